package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// CreateSale records a multi-line sale. Each line fixes its unit cost at the
// current weighted average before stock is consumed. Lines that overdraw
// stock are reported as shortages but never block the sale.
func (s *Service) CreateSale(ctx context.Context, organizationID string, req domain.CreateSaleRequest) (domain.CreateSaleResponse, error) {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validateRequest(req); err != nil {
		return domain.CreateSaleResponse{}, err
	}

	var resp domain.CreateSaleResponse
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		now, err := s.stampSale(ctx, tx)
		if err != nil {
			return err
		}
		sale := domain.Sale{
			ID:             xid.New("sale"),
			OrganizationID: organizationID,
			Type:           domain.SaleTypeSale,
			PaymentMethod:  req.PaymentMethod,
			Notes:          req.Notes,
			CreatedBy:      actorName(ctx),
			CreatedAt:      now,
			Items:          make([]domain.SaleItem, 0, len(req.Items)),
		}
		shortages := make([]domain.StockShortage, 0)
		totalAmount := decimal.Zero
		totalCost := decimal.Zero

		for _, line := range req.Items {
			product, err := tx.GetProduct(ctx, line.ProductID)
			if err != nil {
				return fmt.Errorf("product %s: %w", line.ProductID, err)
			}
			if !product.IsActive {
				return fmt.Errorf("%w: product %s is inactive", store.ErrValidation, product.ID)
			}

			lots, err := tx.LockLots(ctx, product.ID)
			if err != nil {
				return err
			}
			unitCost := ledger.WeightedAverageCost(lots)
			if short := ledger.Shortage(*product, lots, line.Quantity); short != nil {
				shortages = append(shortages, *short)
			}

			itemID := xid.New("item")
			ref := ledger.Reference{Type: domain.ReferenceSale, ID: sale.ID, SaleItemID: &itemID, Notes: sale.Notes}
			if _, err := s.ledger.Consume(ctx, tx, product.ID, line.Quantity, ref); err != nil {
				return err
			}

			qty := decimal.NewFromInt(int64(line.Quantity))
			unitPrice := roundMoney(line.UnitPrice)
			subtotal := roundMoney(unitPrice.Mul(qty))
			sale.Items = append(sale.Items, domain.SaleItem{
				ID:        itemID,
				SaleID:    sale.ID,
				ProductID: product.ID,
				Quantity:  line.Quantity,
				UnitPrice: unitPrice,
				UnitCost:  unitCost,
				Subtotal:  subtotal,
			})
			totalAmount = totalAmount.Add(subtotal)
			totalCost = totalCost.Add(unitCost.Mul(qty))
		}

		sale.TotalAmount = roundMoney(totalAmount)
		sale.TotalCost = roundMoney(totalCost)

		receiptNo, err := tx.NextReceiptNo(ctx, now.Year())
		if err != nil {
			return err
		}
		sale.ReceiptNo = receiptNo

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		resp = domain.CreateSaleResponse{Sale: sale, Shortages: shortages}
		return nil
	})
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	productIDs := make([]string, 0, len(resp.Sale.Items))
	for _, item := range resp.Sale.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	s.invalidateStock(ctx, organizationID, productIDs...)

	if len(resp.Shortages) > 0 {
		s.opLogger(ctx, "sale_create", organizationID).Warn("sale committed with insufficient stock",
			zap.String("sale_id", resp.Sale.ID),
			zap.Any("shortages", resp.Shortages))
	}
	s.logAudit(ctx, organizationID, "sale_create", "sale", resp.Sale.ID,
		zap.String("receipt_no", resp.Sale.ReceiptNo),
		zap.String("total_amount", resp.Sale.TotalAmount.StringFixed(ledger.MoneyPlaces)),
		zap.Int("lines", len(resp.Sale.Items)))
	return resp, nil
}

// CheckStock runs the same lot walk as a sale without writing anything.
// Quantities for a product listed on several lines are added together.
func (s *Service) CheckStock(ctx context.Context, organizationID string, req domain.StockCheckRequest) (domain.StockCheckResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.StockCheckResponse{}, err
	}

	requested := make(map[string]int, len(req.Items))
	order := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		if _, seen := requested[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		requested[line.ProductID] += line.Quantity
	}

	shortages := make([]domain.StockShortage, 0)
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		for _, productID := range order {
			product, err := r.GetProduct(ctx, productID)
			if err != nil {
				return fmt.Errorf("product %s: %w", productID, err)
			}
			lots, err := r.ListLots(ctx, productID)
			if err != nil {
				return err
			}
			if short := ledger.Shortage(*product, lots, requested[productID]); short != nil {
				shortages = append(shortages, *short)
			}
		}
		return nil
	})
	if err != nil {
		return domain.StockCheckResponse{}, err
	}

	return domain.StockCheckResponse{Sufficient: len(shortages) == 0, Shortages: shortages}, nil
}

func (s *Service) GetSale(ctx context.Context, organizationID string, saleID string) (domain.Sale, error) {
	var sale domain.Sale
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.GetSale(ctx, strings.TrimSpace(saleID))
		if err != nil {
			return err
		}
		sale = *found
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

// stampSale takes the shared report lock and returns the creation time for a
// sale or refund. The time always falls after the latest report's end, so a
// committed row can only land in a window that is still open. Reading that
// report also makes a concurrent report conflict under serializable
// isolation.
func (s *Service) stampSale(ctx context.Context, tx store.Tx) (time.Time, error) {
	if err := tx.LockSalesWindow(ctx, false); err != nil {
		return time.Time{}, err
	}
	now := s.clock()
	latest, err := tx.LatestDailyReport(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return now, nil
	case err != nil:
		return time.Time{}, err
	}
	if !now.After(latest.ReportEndTime) {
		now = latest.ReportEndTime.Add(time.Microsecond)
	}
	return now, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// RefundSaleItem reverses one whole sale line. Stock goes back to the lots
// recorded in the line's SALE logs and a REFUND sale mirroring the line is
// written. A line can be refunded at most once.
func (s *Service) RefundSaleItem(ctx context.Context, organizationID string, saleItemID string, req domain.RefundRequest) (domain.RefundResponse, error) {
	saleItemID = strings.TrimSpace(saleItemID)
	req.Notes = strings.TrimSpace(req.Notes)
	if saleItemID == "" {
		return domain.RefundResponse{}, fmt.Errorf("%w: sale item id is required", store.ErrValidation)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.RefundResponse{}, err
	}

	var resp domain.RefundResponse
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		now, err := s.stampSale(ctx, tx)
		if err != nil {
			return err
		}
		item, err := tx.LockSaleItem(ctx, saleItemID)
		if err != nil {
			return err
		}
		original, err := tx.GetSale(ctx, item.SaleID)
		if err != nil {
			return err
		}
		if original.Type == domain.SaleTypeRefund {
			return fmt.Errorf("%w: refund lines cannot be refunded", store.ErrValidation)
		}

		_, err = tx.FindRefundItem(ctx, item.ID)
		switch {
		case err == nil:
			return store.ErrAlreadyRefunded
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		logs, err := tx.ListStockLogs(ctx, domain.StockLogFilter{
			Type:          domain.StockLogSale,
			ReferenceType: domain.ReferenceSale,
			ReferenceID:   original.ID,
			SaleItemID:    item.ID,
		})
		if err != nil {
			return err
		}
		plan := planFromSaleLogs(logs)
		if plan.Total() == 0 {
			plan = domain.ConsumptionPlan{{Quantity: item.Quantity}}
		}

		refundID := xid.New("sale")
		refundItemID := xid.New("item")
		ref := ledger.Reference{Type: domain.ReferenceSale, ID: refundID, SaleItemID: &refundItemID, Notes: req.Notes}
		restored, err := s.ledger.Restore(ctx, tx, item.ProductID, plan, ref)
		if err != nil {
			return err
		}

		receiptNo, err := tx.NextReceiptNo(ctx, now.Year())
		if err != nil {
			return err
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		originalItemID := item.ID
		originalSaleID := original.ID
		refund := domain.Sale{
			ID:             refundID,
			OrganizationID: organizationID,
			ReceiptNo:      receiptNo,
			Type:           domain.SaleTypeRefund,
			OriginalSaleID: &originalSaleID,
			TotalAmount:    item.Subtotal,
			TotalCost:      roundMoney(item.UnitCost.Mul(qty)),
			PaymentMethod:  original.PaymentMethod,
			Notes:          req.Notes,
			CreatedBy:      actorName(ctx),
			CreatedAt:      now,
			Items: []domain.SaleItem{{
				ID:                 refundItemID,
				SaleID:             refundID,
				ProductID:          item.ProductID,
				Quantity:           item.Quantity,
				UnitPrice:          item.UnitPrice,
				UnitCost:           item.UnitCost,
				Subtotal:           item.Subtotal,
				OriginalSaleItemID: &originalItemID,
			}},
		}
		if err := tx.InsertSale(ctx, refund); err != nil {
			return err
		}

		resp = domain.RefundResponse{Refund: refund, OriginalSaleID: original.ID, RestoredUnits: restored}
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.invalidateStock(ctx, organizationID, resp.Refund.Items[0].ProductID)
	s.logAudit(ctx, organizationID, "refund_create", "sale", resp.Refund.ID,
		zap.String("receipt_no", resp.Refund.ReceiptNo),
		zap.String("original_sale_id", resp.OriginalSaleID),
		zap.String("sale_item_id", saleItemID),
		zap.Int("restored_units", resp.RestoredUnits))
	return resp, nil
}

// planFromSaleLogs groups SALE log rows by lot. Rows whose lot was deleted
// share one nil-lot entry.
func planFromSaleLogs(logs []domain.StockLog) domain.ConsumptionPlan {
	plan := make(domain.ConsumptionPlan, 0, len(logs))
	position := make(map[string]int, len(logs))
	for _, entry := range logs {
		key := ""
		if entry.LotID != nil {
			key = *entry.LotID
		}
		if i, ok := position[key]; ok {
			plan[i].Quantity -= entry.Quantity
			continue
		}
		position[key] = len(plan)
		var lotID *string
		if entry.LotID != nil {
			id := *entry.LotID
			lotID = &id
		}
		plan = append(plan, domain.LotDelta{LotID: lotID, Quantity: -entry.Quantity})
	}
	return plan
}

package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/search"
	"kasirledger/backend/internal/store"
)

func (s *Service) AddStockLot(ctx context.Context, organizationID string, req domain.AddStockLotRequest) (domain.StockLot, error) {
	req = normalizeLotRequest(req)
	if err := s.validateRequest(req); err != nil {
		return domain.StockLot{}, err
	}

	var lot domain.StockLot
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		created, err := s.ledger.AddLot(ctx, tx, lotInput(req, req.Notes), "")
		if err != nil {
			return err
		}
		lot = created
		return nil
	})
	if err != nil {
		return domain.StockLot{}, err
	}

	s.invalidateStock(ctx, organizationID, lot.ProductID)
	s.logAudit(ctx, organizationID, "stock_lot_add", "stock_lot", lot.ID,
		zap.String("product_id", lot.ProductID),
		zap.Int("quantity", lot.Quantity),
		zap.String("cost_price", lot.CostPrice.String()))
	return lot, nil
}

// AddStockBulk books a whole delivery in one transaction. When InvoiceRef is
// set every PURCHASE log references it and it is appended to each lot's notes.
func (s *Service) AddStockBulk(ctx context.Context, organizationID string, req domain.AddStockBulkRequest) ([]domain.StockLot, error) {
	req.InvoiceRef = strings.TrimSpace(req.InvoiceRef)
	for i := range req.Items {
		req.Items[i] = normalizeLotRequest(req.Items[i])
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	var lots []domain.StockLot
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		created := make([]domain.StockLot, 0, len(req.Items))
		for _, item := range req.Items {
			notes := item.Notes
			if req.InvoiceRef != "" {
				notes = strings.TrimSpace(notes + " [invoice " + req.InvoiceRef + "]")
			}
			lot, err := s.ledger.AddLot(ctx, tx, lotInput(item, notes), req.InvoiceRef)
			if err != nil {
				return fmt.Errorf("product %s: %w", item.ProductID, err)
			}
			created = append(created, lot)
		}
		lots = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(lots))
	for _, lot := range lots {
		productIDs = append(productIDs, lot.ProductID)
	}
	s.invalidateStock(ctx, organizationID, productIDs...)
	s.logAudit(ctx, organizationID, "stock_bulk_add", "stock_lot", req.InvoiceRef,
		zap.Int("lots", len(lots)))
	return lots, nil
}

func (s *Service) AdjustStockLot(ctx context.Context, organizationID string, lotID string, req domain.AdjustLotRequest) (domain.StockLot, error) {
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validateRequest(req); err != nil {
		return domain.StockLot{}, err
	}

	var lot domain.StockLot
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		adjusted, err := s.ledger.Adjust(ctx, tx, strings.TrimSpace(lotID), req.Delta, req.Notes)
		if err != nil {
			return err
		}
		lot = adjusted
		return nil
	})
	if err != nil {
		return domain.StockLot{}, err
	}

	s.invalidateStock(ctx, organizationID, lot.ProductID)
	s.logAudit(ctx, organizationID, "stock_lot_adjust", "stock_lot", lot.ID,
		zap.Int("delta", req.Delta),
		zap.Int("remaining", lot.Remaining))
	return lot, nil
}

func (s *Service) DeleteStockLot(ctx context.Context, organizationID string, lotID string, req domain.DeleteLotRequest) error {
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validateRequest(req); err != nil {
		return err
	}

	var lot domain.StockLot
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		deleted, err := s.ledger.DeleteLot(ctx, tx, strings.TrimSpace(lotID), req.Notes)
		if err != nil {
			return err
		}
		lot = deleted
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateStock(ctx, organizationID, lot.ProductID)
	s.logAudit(ctx, organizationID, "stock_lot_delete", "stock_lot", lot.ID,
		zap.String("product_id", lot.ProductID),
		zap.Int("written_off", lot.Remaining))
	return nil
}

// GetProductStock serves from the stock cache when it can. Cache failures
// are logged and fall through to the store. A snapshot is only written back
// if no invalidation happened while it was being read.
func (s *Service) GetProductStock(ctx context.Context, organizationID string, productID string) (domain.ProductStock, error) {
	productID = strings.TrimSpace(productID)
	key := cache.StockKey(organizationID, productID)
	cached, ok, err := s.stockCache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("stock cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok && cached != nil {
		return *cached, nil
	}

	version, versionErr := s.stockCache.Version(ctx, key)
	if versionErr != nil {
		s.logger.Warn("stock cache version read failed", zap.String("key", key), zap.Error(versionErr))
	}

	var stock domain.ProductStock
	err = s.repo.View(ctx, organizationID, func(r store.Reader) error {
		if _, err := r.GetProduct(ctx, productID); err != nil {
			return err
		}
		lots, err := r.ListLots(ctx, productID)
		if err != nil {
			return err
		}
		stock = domain.ProductStock{
			ProductID:   productID,
			TotalStock:  ledger.TotalStock(lots),
			AverageCost: ledger.WeightedAverageCost(lots),
			Lots:        lots,
		}
		return nil
	})
	if err != nil {
		return domain.ProductStock{}, err
	}

	if versionErr == nil {
		if _, err := s.stockCache.SetIfVersion(ctx, key, &stock, version, s.cacheTTL); err != nil {
			s.logger.Warn("stock cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return stock, nil
}

func (s *Service) GetStockLogs(ctx context.Context, organizationID string, filter domain.StockLogFilter) ([]domain.StockLog, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 500)
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, fmt.Errorf("%w: from must not be after to", store.ErrValidation)
	}

	var logs []domain.StockLog
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.ListStockLogs(ctx, filter)
		if err != nil {
			return err
		}
		logs = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Service) ListProducts(ctx context.Context, organizationID string, query string, limit int) ([]domain.Product, error) {
	limit = clampLimit(limit, 50, 200)
	key := search.Normalize(query)

	var products []domain.Product
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.SearchProducts(ctx, key, limit)
		if err != nil {
			return err
		}
		products = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Service) GetProductByBarcode(ctx context.Context, organizationID string, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, fmt.Errorf("%w: barcode is required", store.ErrValidation)
	}

	var product domain.Product
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.GetProductByBarcode(ctx, barcode)
		if err != nil {
			return err
		}
		product = *found
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func normalizeLotRequest(req domain.AddStockLotRequest) domain.AddStockLotRequest {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.SupplierID != nil {
		id := strings.TrimSpace(*req.SupplierID)
		if id == "" {
			req.SupplierID = nil
		} else {
			req.SupplierID = &id
		}
	}
	return req
}

func lotInput(req domain.AddStockLotRequest, notes string) ledger.LotInput {
	return ledger.LotInput{
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		CostPrice:   req.CostPrice,
		SupplierID:  req.SupplierID,
		PurchasedAt: req.PurchasedAt,
		Notes:       notes,
	}
}

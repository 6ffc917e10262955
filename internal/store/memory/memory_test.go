package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

func newTestStore() *Store {
	s := New()
	s.PutProduct(domain.Product{ID: "p1", OrganizationID: "org-a", Name: "Kopi Susu", SellingPrice: decimal.NewFromInt(15), IsActive: true})
	s.PutProduct(domain.Product{ID: "p2", OrganizationID: "org-b", Name: "Teh Manis", SellingPrice: decimal.NewFromInt(8), IsActive: true})
	return s
}

func testLot(id string, productID string, remaining int, purchasedAt time.Time) domain.StockLot {
	return domain.StockLot{
		ID:          id,
		ProductID:   productID,
		Quantity:    remaining,
		Remaining:   remaining,
		CostPrice:   decimal.NewFromInt(5),
		PurchasedAt: purchasedAt,
		CreatedAt:   purchasedAt,
	}
}

func TestWithTxRollsBackEveryWriteOnError(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertLot(ctx, testLot("lot-a", "p1", 5, day))
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		if err := tx.UpdateLotRemaining(ctx, "lot-a", 1); err != nil {
			return err
		}
		if err := tx.InsertLot(ctx, testLot("lot-b", "p1", 3, day.AddDate(0, 0, 1))); err != nil {
			return err
		}
		if err := tx.InsertStockLog(ctx, domain.StockLog{ID: "log-1", ProductID: "p1", Type: domain.StockLogSale, Quantity: -4}); err != nil {
			return err
		}
		if _, err := tx.NextReceiptNo(ctx, 2026); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, "org-a", func(r store.Reader) error {
		lots, err := r.ListLots(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, lots, 1)
		require.Equal(t, 5, lots[0].Remaining)

		logs, err := r.ListStockLogs(ctx, domain.StockLogFilter{})
		require.NoError(t, err)
		require.Empty(t, logs)
		return nil
	}))

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		receipt, err := tx.NextReceiptNo(ctx, 2026)
		require.NoError(t, err)
		require.Equal(t, "2026-000001", receipt)
		return nil
	}))
}

func TestOtherOrganizationRowsLookMissing(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	err := s.View(ctx, "org-a", func(r store.Reader) error {
		_, err := r.GetProduct(ctx, "p2")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithTx(ctx, "org-b", func(tx store.Tx) error {
		return tx.InsertLot(ctx, testLot("lot-b", "p2", 2, time.Now()))
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.UpdateLotRemaining(ctx, "lot-b", 0)
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListLotsOrdersOldestFirst(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		require.NoError(t, tx.InsertLot(ctx, testLot("lot-late", "p1", 1, day.AddDate(0, 0, 4))))
		require.NoError(t, tx.InsertLot(ctx, testLot("lot-early", "p1", 1, day)))
		require.NoError(t, tx.InsertLot(ctx, testLot("lot-mid-b", "p1", 1, day.AddDate(0, 0, 2))))
		return tx.InsertLot(ctx, testLot("lot-mid-a", "p1", 1, day.AddDate(0, 0, 2)))
	}))

	require.NoError(t, s.View(ctx, "org-a", func(r store.Reader) error {
		lots, err := r.ListLots(ctx, "p1")
		require.NoError(t, err)
		ids := make([]string, 0, len(lots))
		for _, lot := range lots {
			ids = append(ids, lot.ID)
		}
		require.Equal(t, []string{"lot-early", "lot-mid-a", "lot-mid-b", "lot-late"}, ids)
		return nil
	}))
}

func TestDeleteLotDetachesLogs(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	lotID := "lot-a"

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		require.NoError(t, tx.InsertLot(ctx, testLot(lotID, "p1", 4, time.Now())))
		return tx.InsertStockLog(ctx, domain.StockLog{ID: "log-1", ProductID: "p1", LotID: &lotID, Type: domain.StockLogPurchase, Quantity: 4})
	}))
	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.DeleteLot(ctx, lotID)
	}))

	require.NoError(t, s.View(ctx, "org-a", func(r store.Reader) error {
		logs, err := r.ListStockLogs(ctx, domain.StockLogFilter{ProductID: "p1"})
		require.NoError(t, err)
		require.Len(t, logs, 1)
		require.Nil(t, logs[0].LotID)
		_, err = r.GetLot(ctx, lotID)
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestInsertSaleRejectsSecondRefundOfSameItem(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	original := "item-1"

	refund := func(id string) domain.Sale {
		return domain.Sale{
			ID:        id,
			ReceiptNo: id,
			Type:      domain.SaleTypeRefund,
			Items:     []domain.SaleItem{{ID: id + "-item", SaleID: id, ProductID: "p1", Quantity: 1, OriginalSaleItemID: &original}},
		}
	}

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertSale(ctx, refund("r1"))
	}))
	err := s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertSale(ctx, refund("r2"))
	})
	require.ErrorIs(t, err, store.ErrAlreadyRefunded)
}

func TestReceiptNumbersAreUniquePerOrganization(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sale := func(id string, receiptNo string) domain.Sale {
		return domain.Sale{ID: id, ReceiptNo: receiptNo, Type: domain.SaleTypeSale}
	}

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale("s1", "2026-000001"))
	}))

	err := s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale("s2", "2026-000001"))
	})
	require.ErrorIs(t, err, store.ErrConcurrencyConflict)

	require.NoError(t, s.WithTx(ctx, "org-b", func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale("s3", "2026-000001"))
	}), "another organization has its own receipt sequence")

	errBoom := errors.New("boom")
	err = s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		if err := tx.InsertSale(ctx, sale("s4", "2026-000002")); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	require.NoError(t, s.WithTx(ctx, "org-a", func(tx store.Tx) error {
		return tx.InsertSale(ctx, sale("s5", "2026-000002"))
	}), "a rolled back sale releases its receipt number")
}

func TestSeededStoreHasUsersAndStock(t *testing.T) {
	s := NewSeeded("")
	ctx := context.Background()

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, user := range users {
		require.Equal(t, DefaultOrganizationID, user.OrganizationID)
	}

	require.NoError(t, s.View(ctx, DefaultOrganizationID, func(r store.Reader) error {
		products, err := r.SearchProducts(ctx, "susu", 10)
		require.NoError(t, err)
		require.Len(t, products, 1)

		lots, err := r.ListLots(ctx, products[0].ID)
		require.NoError(t, err)
		require.Len(t, lots, 2)
		return nil
	}))
}

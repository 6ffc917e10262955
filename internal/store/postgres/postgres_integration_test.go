package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("KASIRLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KASIRLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, Options{MaxRetries: 5, LockTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	org := fmt.Sprintf("org-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		for _, stmt := range []string{
			`DELETE FROM daily_reports WHERE organization_id = $1`,
			`DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE organization_id = $1) AND original_sale_item_id IS NOT NULL`,
			`DELETE FROM sale_items WHERE sale_id IN (SELECT id FROM sales WHERE organization_id = $1)`,
			`DELETE FROM sales WHERE organization_id = $1 AND original_sale_id IS NOT NULL`,
			`DELETE FROM sales WHERE organization_id = $1`,
			`DELETE FROM stock_logs WHERE organization_id = $1`,
			`DELETE FROM stock_lots WHERE organization_id = $1`,
			`DELETE FROM receipt_counters WHERE organization_id = $1`,
			`DELETE FROM suppliers WHERE organization_id = $1`,
			`DELETE FROM products WHERE organization_id = $1`,
		} {
			_, _ = s.db.ExecContext(ctx, stmt, org)
		}
		_ = s.Close()
	})

	require.NoError(t, s.PutProduct(ctx, domain.Product{ID: org + "-kopi", OrganizationID: org, Name: "Kopi Susu", SellingPrice: decimal.NewFromInt(15), IsActive: true}))
	return s, org
}

func TestSaleRefundLifecycle(t *testing.T) {
	s, org := newIntegrationStore(t)
	ctx := context.Background()
	svc := service.New(s, nil, nil)
	productID := org + "-kopi"

	jan1 := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	jan5 := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	a, err := svc.AddStockLot(ctx, org, domain.AddStockLotRequest{ProductID: productID, Quantity: 10, CostPrice: decimal.NewFromInt(6), PurchasedAt: &jan1})
	require.NoError(t, err)
	b, err := svc.AddStockLot(ctx, org, domain.AddStockLotRequest{ProductID: productID, Quantity: 10, CostPrice: decimal.NewFromInt(8), PurchasedAt: &jan5})
	require.NoError(t, err)

	sale, err := svc.CreateSale(ctx, org, domain.CreateSaleRequest{
		Items:         []domain.SaleLineRequest{{ProductID: productID, Quantity: 12, UnitPrice: decimal.NewFromInt(15)}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(84).Equal(sale.Sale.TotalCost))
	require.True(t, decimal.NewFromInt(7).Equal(sale.Sale.Items[0].UnitCost))

	stock, err := svc.GetProductStock(ctx, org, productID)
	require.NoError(t, err)
	require.Equal(t, 8, stock.TotalStock)

	_, err = svc.RefundSaleItem(ctx, org, sale.Sale.Items[0].ID, domain.RefundRequest{})
	require.NoError(t, err)
	_, err = svc.RefundSaleItem(ctx, org, sale.Sale.Items[0].ID, domain.RefundRequest{})
	require.ErrorIs(t, err, store.ErrAlreadyRefunded)

	stock, err = svc.GetProductStock(ctx, org, productID)
	require.NoError(t, err)
	remaining := map[string]int{}
	for _, lot := range stock.Lots {
		remaining[lot.ID] = lot.Remaining
	}
	require.Equal(t, map[string]int{a.ID: 10, b.ID: 10}, remaining)

	_, err = svc.GetSale(ctx, "org-someone-else", sale.Sale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentSalesKeepReceiptsUnique(t *testing.T) {
	s, org := newIntegrationStore(t)
	ctx := context.Background()
	svc := service.New(s, nil, nil)
	productID := org + "-kopi"

	_, err := svc.AddStockLot(ctx, org, domain.AddStockLotRequest{ProductID: productID, Quantity: 10, CostPrice: decimal.NewFromInt(6)})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	receipts := make(chan string, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.CreateSale(ctx, org, domain.CreateSaleRequest{
				Items:         []domain.SaleLineRequest{{ProductID: productID, Quantity: 1, UnitPrice: decimal.NewFromInt(15)}},
				PaymentMethod: domain.PaymentCard,
			})
			if err != nil {
				errs <- err
				return
			}
			receipts <- resp.Sale.ReceiptNo
		}()
	}
	wg.Wait()
	close(receipts)
	close(errs)

	for err := range errs {
		require.ErrorIs(t, err, store.ErrConcurrencyConflict)
	}
	seen := map[string]bool{}
	for receipt := range receipts {
		require.False(t, seen[receipt], "duplicate receipt %s", receipt)
		seen[receipt] = true
	}

	stock, err := svc.GetProductStock(ctx, org, productID)
	require.NoError(t, err)
	require.Equal(t, 10-len(seen), stock.TotalStock)
}

func TestReportsRacingSalesCountEverySale(t *testing.T) {
	s, org := newIntegrationStore(t)
	ctx := context.Background()
	svc := service.New(s, nil, nil)
	productID := org + "-kopi"

	_, err := svc.AddStockLot(ctx, org, domain.AddStockLotRequest{ProductID: productID, Quantity: 100, CostPrice: decimal.NewFromInt(6)})
	require.NoError(t, err)

	const sellers = 8
	const salesPerSeller = 4
	const reporters = 3
	var committed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < sellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < salesPerSeller; j++ {
				_, err := svc.CreateSale(ctx, org, domain.CreateSaleRequest{
					Items:         []domain.SaleLineRequest{{ProductID: productID, Quantity: 1, UnitPrice: decimal.NewFromInt(15)}},
					PaymentMethod: domain.PaymentCash,
				})
				switch {
				case err == nil:
					committed.Add(1)
				case !errors.Is(err, store.ErrConcurrencyConflict):
					t.Errorf("create sale: %v", err)
				}
			}
		}()
	}
	for i := 0; i < reporters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				_, err := svc.GenerateDailyReport(ctx, org, domain.GenerateReportRequest{})
				if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
					t.Errorf("generate report: %v", err)
				}
				time.Sleep(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	time.Sleep(5 * time.Millisecond)
	_, err = svc.GenerateDailyReport(ctx, org, domain.GenerateReportRequest{})
	require.NoError(t, err)

	reports, err := svc.ListDailyReports(ctx, org, 366)
	require.NoError(t, err)
	counted := 0
	for _, report := range reports {
		counted += report.SaleCount
	}
	require.Equal(t, int(committed.Load()), counted)
	require.Positive(t, committed.Load())
}

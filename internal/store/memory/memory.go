package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/search"
	"kasirledger/backend/internal/store"
)

type receiptKey struct {
	organizationID string
	year           int
}

type usedReceipt struct {
	organizationID string
	receiptNo      string
}

// Store keeps everything in maps behind one mutex. Write transactions hold
// the lock for their whole duration and undo their writes on failure.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	suppliers    map[string]domain.Supplier
	lots         map[string]domain.StockLot
	logs         []domain.StockLog
	sales        map[string]domain.Sale
	saleItems    map[string]domain.SaleItem
	refundByItem map[string]string
	reports      map[string]domain.DailyReport
	receipts     map[receiptKey]int64
	usedReceipts map[usedReceipt]struct{}

	usersMu     sync.RWMutex
	usersByName map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		suppliers:    make(map[string]domain.Supplier),
		lots:         make(map[string]domain.StockLot),
		sales:        make(map[string]domain.Sale),
		saleItems:    make(map[string]domain.SaleItem),
		refundByItem: make(map[string]string),
		reports:      make(map[string]domain.DailyReport),
		receipts:     make(map[receiptKey]int64),
		usedReceipts: make(map[usedReceipt]struct{}),
		usersByName:  make(map[string]domain.UserAccount),
	}
}

// PutProduct stores a catalog entry. The catalog is owned elsewhere; this is
// how it gets mirrored into the ledger store.
func (s *Store) PutProduct(product domain.Product) {
	if product.SearchKey == "" {
		product.SearchKey = search.Normalize(product.Name)
	}
	s.mu.Lock()
	s.products[product.ID] = product
	s.mu.Unlock()
}

func (s *Store) PutSupplier(supplier domain.Supplier) {
	s.mu.Lock()
	s.suppliers[supplier.ID] = supplier
	s.mu.Unlock()
}

func (s *Store) WithTx(ctx context.Context, organizationID string, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(organizationID) == "" {
		return fmt.Errorf("%w: organization is required", store.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, org: organizationID}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) View(ctx context.Context, organizationID string, fn func(r store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s, org: organizationID})
}

type memTx struct {
	s    *Store
	org  string
	undo []func()
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	product, ok := t.s.products[productID]
	if !ok || product.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (t *memTx) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	for _, product := range t.s.products {
		if product.OrganizationID == t.org && product.Barcode != nil && *product.Barcode == barcode {
			found := product
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) SearchProducts(_ context.Context, searchKey string, limit int) ([]domain.Product, error) {
	result := make([]domain.Product, 0, 32)
	for _, product := range t.s.products {
		if product.OrganizationID != t.org || !product.IsActive {
			continue
		}
		barcodeHit := product.Barcode != nil && searchKey != "" && *product.Barcode == searchKey
		if barcodeHit || search.Matches(product.SearchKey, searchKey) {
			result = append(result, product)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return cmpString(result[i].Name, result[j].Name, result[i].ID, result[j].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) GetSupplier(_ context.Context, supplierID string) (*domain.Supplier, error) {
	supplier, ok := t.s.suppliers[supplierID]
	if !ok || supplier.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	return &supplier, nil
}

func (t *memTx) ListLots(_ context.Context, productID string) ([]domain.StockLot, error) {
	lots := make([]domain.StockLot, 0, 8)
	for _, lot := range t.s.lots {
		if lot.OrganizationID == t.org && lot.ProductID == productID {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.PurchasedAt.Equal(b.PurchasedAt) {
			return a.PurchasedAt.Before(b.PurchasedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return lots, nil
}

func (t *memTx) LockLots(ctx context.Context, productID string) ([]domain.StockLot, error) {
	return t.ListLots(ctx, productID)
}

func (t *memTx) GetLot(_ context.Context, lotID string) (*domain.StockLot, error) {
	lot, ok := t.s.lots[lotID]
	if !ok || lot.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	return &lot, nil
}

func (t *memTx) LockLot(ctx context.Context, lotID string) (*domain.StockLot, error) {
	return t.GetLot(ctx, lotID)
}

func (t *memTx) ListStockLogs(_ context.Context, filter domain.StockLogFilter) ([]domain.StockLog, error) {
	result := make([]domain.StockLog, 0, 32)
	for i := len(t.s.logs) - 1; i >= 0; i-- {
		entry := t.s.logs[i]
		if entry.OrganizationID != t.org || !matchesLogFilter(entry, filter) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func matchesLogFilter(entry domain.StockLog, filter domain.StockLogFilter) bool {
	if filter.ProductID != "" && entry.ProductID != filter.ProductID {
		return false
	}
	if filter.LotID != "" && (entry.LotID == nil || *entry.LotID != filter.LotID) {
		return false
	}
	if filter.Type != "" && entry.Type != filter.Type {
		return false
	}
	if filter.ReferenceType != "" && entry.ReferenceType != filter.ReferenceType {
		return false
	}
	if filter.ReferenceID != "" && entry.ReferenceID != filter.ReferenceID {
		return false
	}
	if filter.SaleItemID != "" && (entry.SaleItemID == nil || *entry.SaleItemID != filter.SaleItemID) {
		return false
	}
	if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && entry.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

func (t *memTx) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := t.s.sales[saleID]
	if !ok || sale.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (t *memTx) GetSaleItem(_ context.Context, saleItemID string) (*domain.SaleItem, error) {
	item, ok := t.s.saleItems[saleItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale, ok := t.s.sales[item.SaleID]; !ok || sale.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (t *memTx) LockSaleItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error) {
	return t.GetSaleItem(ctx, saleItemID)
}

func (t *memTx) FindRefundItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error) {
	refundID, ok := t.s.refundByItem[saleItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.GetSaleItem(ctx, refundID)
}

func (t *memTx) LatestDailyReport(_ context.Context) (*domain.DailyReport, error) {
	var latest *domain.DailyReport
	for _, report := range t.s.reports {
		if report.OrganizationID != t.org {
			continue
		}
		if latest == nil || report.ReportEndTime.After(latest.ReportEndTime) {
			r := report
			latest = &r
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (t *memTx) GetDailyReport(_ context.Context, reportID string) (*domain.DailyReport, error) {
	report, ok := t.s.reports[reportID]
	if !ok || report.OrganizationID != t.org {
		return nil, store.ErrNotFound
	}
	return &report, nil
}

func (t *memTx) ListDailyReports(_ context.Context, limit int) ([]domain.DailyReport, error) {
	result := make([]domain.DailyReport, 0, 16)
	for _, report := range t.s.reports {
		if report.OrganizationID == t.org {
			result = append(result, report)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ReportEndTime.After(result[j].ReportEndTime)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) FirstSale(_ context.Context) (*domain.Sale, error) {
	var first *domain.Sale
	for _, sale := range t.s.sales {
		if sale.OrganizationID != t.org {
			continue
		}
		if first == nil || sale.CreatedAt.Before(first.CreatedAt) {
			s := cloneSale(sale)
			first = &s
		}
	}
	if first == nil {
		return nil, store.ErrNotFound
	}
	return first, nil
}

func (t *memTx) SummarizeSales(_ context.Context, window domain.ReportWindow) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{
		TotalSales:   decimal.Zero,
		TotalRefunds: decimal.Zero,
		TotalCost:    decimal.Zero,
		CashSales:    decimal.Zero,
		CardSales:    decimal.Zero,
	}
	for _, sale := range t.s.sales {
		if sale.OrganizationID != t.org || !window.Contains(sale.CreatedAt) {
			continue
		}
		switch sale.Type {
		case domain.SaleTypeSale:
			summary.SaleCount++
			summary.TotalSales = summary.TotalSales.Add(sale.TotalAmount)
			summary.TotalCost = summary.TotalCost.Add(sale.TotalCost)
			if sale.PaymentMethod == domain.PaymentCash {
				summary.CashSales = summary.CashSales.Add(sale.TotalAmount)
			} else {
				summary.CardSales = summary.CardSales.Add(sale.TotalAmount)
			}
		case domain.SaleTypeRefund:
			summary.RefundCount++
			summary.TotalRefunds = summary.TotalRefunds.Add(sale.TotalAmount)
		}
	}
	return summary, nil
}

func (t *memTx) InsertLot(_ context.Context, lot domain.StockLot) error {
	if _, exists := t.s.lots[lot.ID]; exists {
		return fmt.Errorf("lot %s already exists", lot.ID)
	}
	lot.OrganizationID = t.org
	t.s.lots[lot.ID] = lot
	t.onRollback(func() { delete(t.s.lots, lot.ID) })
	return nil
}

func (t *memTx) UpdateLotRemaining(_ context.Context, lotID string, remaining int) error {
	lot, ok := t.s.lots[lotID]
	if !ok || lot.OrganizationID != t.org {
		return store.ErrNotFound
	}
	previous := lot
	lot.Remaining = remaining
	t.s.lots[lotID] = lot
	t.onRollback(func() { t.s.lots[lotID] = previous })
	return nil
}

func (t *memTx) DeleteLot(_ context.Context, lotID string) error {
	lot, ok := t.s.lots[lotID]
	if !ok || lot.OrganizationID != t.org {
		return store.ErrNotFound
	}
	delete(t.s.lots, lotID)

	detached := make([]int, 0, 8)
	for i := range t.s.logs {
		if t.s.logs[i].LotID != nil && *t.s.logs[i].LotID == lotID {
			t.s.logs[i].LotID = nil
			detached = append(detached, i)
		}
	}
	t.onRollback(func() {
		t.s.lots[lotID] = lot
		for _, i := range detached {
			id := lotID
			t.s.logs[i].LotID = &id
		}
	})
	return nil
}

func (t *memTx) InsertStockLog(_ context.Context, entry domain.StockLog) error {
	entry.OrganizationID = t.org
	n := len(t.s.logs)
	t.s.logs = append(t.s.logs, entry)
	t.onRollback(func() { t.s.logs = t.s.logs[:n] })
	return nil
}

// LockSalesWindow is a no-op: write transactions already run one at a time.
func (t *memTx) LockSalesWindow(_ context.Context, _ bool) error {
	return nil
}

func (t *memTx) NextReceiptNo(_ context.Context, year int) (string, error) {
	key := receiptKey{organizationID: t.org, year: year}
	t.s.receipts[key]++
	seq := t.s.receipts[key]
	t.onRollback(func() { t.s.receipts[key]-- })
	return store.FormatReceiptNo(year, seq), nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.s.sales[sale.ID]; exists {
		return fmt.Errorf("sale %s already exists", sale.ID)
	}
	receipt := usedReceipt{organizationID: t.org, receiptNo: sale.ReceiptNo}
	if _, used := t.s.usedReceipts[receipt]; used {
		return fmt.Errorf("%w: receipt %s already used", store.ErrConcurrencyConflict, sale.ReceiptNo)
	}
	for _, item := range sale.Items {
		if item.OriginalSaleItemID == nil {
			continue
		}
		if _, refunded := t.s.refundByItem[*item.OriginalSaleItemID]; refunded {
			return store.ErrAlreadyRefunded
		}
	}

	sale.OrganizationID = t.org
	sale = cloneSale(sale)
	t.s.sales[sale.ID] = sale
	t.s.usedReceipts[receipt] = struct{}{}
	for _, item := range sale.Items {
		t.s.saleItems[item.ID] = item
		if item.OriginalSaleItemID != nil {
			t.s.refundByItem[*item.OriginalSaleItemID] = item.ID
		}
	}
	t.onRollback(func() {
		delete(t.s.sales, sale.ID)
		delete(t.s.usedReceipts, receipt)
		for _, item := range sale.Items {
			delete(t.s.saleItems, item.ID)
			if item.OriginalSaleItemID != nil {
				delete(t.s.refundByItem, *item.OriginalSaleItemID)
			}
		}
	})
	return nil
}

func (t *memTx) InsertDailyReport(_ context.Context, report domain.DailyReport) error {
	for _, existing := range t.s.reports {
		if existing.OrganizationID == t.org && existing.ReportStartTime.Equal(report.ReportStartTime) {
			return fmt.Errorf("%w: report window starting %s already exists", store.ErrConcurrencyConflict, report.ReportStartTime.Format(time.RFC3339Nano))
		}
	}
	report.OrganizationID = t.org
	t.s.reports[report.ID] = report
	t.onRollback(func() { delete(t.s.reports, report.ID) })
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if _, exists := s.usersByName[user.Username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrValidation)
	}
	s.usersByName[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Items = slices.Clone(sale.Items)
	return sale
}

func cmpString(a, b, tieA, tieB string) bool {
	if a == b {
		return tieA < tieB
	}
	return a < b
}

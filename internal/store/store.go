package store

import (
	"context"
	"errors"
	"fmt"

	"kasirledger/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyRefunded     = errors.New("sale item already refunded")
)

// Repository scopes every unit of work to one organization. Implementations
// must filter all reads and writes by that organization so that rows of
// another tenant behave exactly like missing rows.
type Repository interface {
	// WithTx runs fn in a serializable transaction. A non-nil error from fn
	// rolls back every write. fn may be invoked more than once when the
	// backend retries a conflicting transaction, so it must not leak state
	// between attempts.
	WithTx(ctx context.Context, organizationID string, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, organizationID string, fn func(r Reader) error) error
}

type Reader interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	SearchProducts(ctx context.Context, searchKey string, limit int) ([]domain.Product, error)
	GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error)

	// ListLots returns the product's lots oldest first (purchased_at, created_at, id).
	ListLots(ctx context.Context, productID string) ([]domain.StockLot, error)
	GetLot(ctx context.Context, lotID string) (*domain.StockLot, error)
	ListStockLogs(ctx context.Context, filter domain.StockLogFilter) ([]domain.StockLog, error)

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	GetSaleItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error)
	// FindRefundItem returns the REFUND line that reverses saleItemID, or ErrNotFound.
	FindRefundItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error)

	LatestDailyReport(ctx context.Context) (*domain.DailyReport, error)
	GetDailyReport(ctx context.Context, reportID string) (*domain.DailyReport, error)
	ListDailyReports(ctx context.Context, limit int) ([]domain.DailyReport, error)
	// FirstSale returns the earliest sale of the organization, or ErrNotFound.
	FirstSale(ctx context.Context) (*domain.Sale, error)
	SummarizeSales(ctx context.Context, window domain.ReportWindow) (domain.SalesSummary, error)
}

type Tx interface {
	Reader

	// LockLots is ListLots with row locks held until the transaction ends.
	LockLots(ctx context.Context, productID string) ([]domain.StockLot, error)
	LockLot(ctx context.Context, lotID string) (*domain.StockLot, error)
	LockSaleItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error)
	// LockSalesWindow holds the organization's report lock until the
	// transaction ends. Sales and refunds take it shared, reports exclusive.
	LockSalesWindow(ctx context.Context, exclusive bool) error

	InsertLot(ctx context.Context, lot domain.StockLot) error
	UpdateLotRemaining(ctx context.Context, lotID string, remaining int) error
	DeleteLot(ctx context.Context, lotID string) error
	InsertStockLog(ctx context.Context, entry domain.StockLog) error

	// NextReceiptNo allocates the next YYYY-NNNNNN number for year.
	NextReceiptNo(ctx context.Context, year int) (string, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertDailyReport(ctx context.Context, report domain.DailyReport) error
}

// UserStore backs login. Accounts are global; each carries its organization.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

func FormatReceiptNo(year int, seq int64) string {
	return fmt.Sprintf("%04d-%06d", year, seq)
}

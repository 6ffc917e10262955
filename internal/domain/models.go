package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type StockLogType string

const (
	StockLogPurchase   StockLogType = "PURCHASE"
	StockLogSale       StockLogType = "SALE"
	StockLogRefund     StockLogType = "REFUND"
	StockLogAdjustment StockLogType = "ADJUSTMENT"
)

type ReferenceType string

const (
	ReferenceSale     ReferenceType = "sale"
	ReferencePurchase ReferenceType = "purchase"
	ReferenceManual   ReferenceType = "manual"
)

type SaleType string

const (
	SaleTypeSale   SaleType = "SALE"
	SaleTypeRefund SaleType = "REFUND"
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Product struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	CategoryID     *string         `json:"category_id,omitempty" db:"category_id"`
	Name           string          `json:"name" db:"name"`
	SearchKey      string          `json:"search_key" db:"search_key"`
	Barcode        *string         `json:"barcode,omitempty" db:"barcode"`
	SellingPrice   decimal.Decimal `json:"selling_price" db:"selling_price"`
	IsActive       bool            `json:"is_active" db:"is_active"`
}

type Supplier struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
}

// StockLot is one purchase batch. Quantity and CostPrice never change after
// creation; Remaining may go negative when a sale overdraws the product.
type StockLot struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	ProductID      string          `json:"product_id" db:"product_id"`
	SupplierID     *string         `json:"supplier_id,omitempty" db:"supplier_id"`
	Quantity       int             `json:"quantity" db:"quantity"`
	Remaining      int             `json:"remaining" db:"remaining"`
	CostPrice      decimal.Decimal `json:"cost_price" db:"cost_price"`
	PurchasedAt    time.Time       `json:"purchased_at" db:"purchased_at"`
	Notes          string          `json:"notes" db:"notes"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// StockLog is an append-only record of a signed quantity change. LotID is
// nil when the lot was deleted or never existed.
type StockLog struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	ProductID      string        `json:"product_id" db:"product_id"`
	LotID          *string       `json:"lot_id" db:"lot_id"`
	Type           StockLogType  `json:"type" db:"type"`
	Quantity       int           `json:"quantity" db:"quantity"`
	ReferenceType  ReferenceType `json:"reference_type" db:"reference_type"`
	ReferenceID    string        `json:"reference_id" db:"reference_id"`
	SaleItemID     *string       `json:"sale_item_id,omitempty" db:"sale_item_id"`
	Notes          string        `json:"notes" db:"notes"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

type StockLogFilter struct {
	ProductID     string        `json:"product_id,omitempty"`
	LotID         string        `json:"lot_id,omitempty"`
	Type          StockLogType  `json:"type,omitempty"`
	ReferenceType ReferenceType `json:"reference_type,omitempty"`
	ReferenceID   string        `json:"reference_id,omitempty"`
	SaleItemID    string        `json:"sale_item_id,omitempty"`
	From          *time.Time    `json:"from,omitempty"`
	To            *time.Time    `json:"to,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// Sale amounts are stored as positive magnitudes for both SALE and REFUND
// rows; Type tells aggregation which way to count them.
type Sale struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	ReceiptNo      string          `json:"receipt_no" db:"receipt_no"`
	Type           SaleType        `json:"type" db:"type"`
	OriginalSaleID *string         `json:"original_sale_id,omitempty" db:"original_sale_id"`
	TotalAmount    decimal.Decimal `json:"total_amount" db:"total_amount"`
	TotalCost      decimal.Decimal `json:"total_cost" db:"total_cost"`
	PaymentMethod  string          `json:"payment_method" db:"payment_method"`
	Notes          string          `json:"notes" db:"notes"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Items          []SaleItem      `json:"items" db:"-"`
}

type SaleItem struct {
	ID                 string          `json:"id" db:"id"`
	SaleID             string          `json:"sale_id" db:"sale_id"`
	ProductID          string          `json:"product_id" db:"product_id"`
	Quantity           int             `json:"quantity" db:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price" db:"unit_price"`
	UnitCost           decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	Subtotal           decimal.Decimal `json:"subtotal" db:"subtotal"`
	OriginalSaleItemID *string         `json:"original_sale_item_id,omitempty" db:"original_sale_item_id"`
}

type DailyReport struct {
	ID              string              `json:"id" db:"id"`
	OrganizationID  string              `json:"organization_id" db:"organization_id"`
	ReportStartTime time.Time           `json:"report_start_time" db:"report_start_time"`
	ReportEndTime   time.Time           `json:"report_end_time" db:"report_end_time"`
	TotalSales      decimal.Decimal     `json:"total_sales" db:"total_sales"`
	TotalRefunds    decimal.Decimal     `json:"total_refunds" db:"total_refunds"`
	TotalCost       decimal.Decimal     `json:"total_cost" db:"total_cost"`
	GrossProfit     decimal.Decimal     `json:"gross_profit" db:"gross_profit"`
	CashSales       decimal.Decimal     `json:"cash_sales" db:"cash_sales"`
	CardSales       decimal.Decimal     `json:"card_sales" db:"card_sales"`
	CashCounted     decimal.NullDecimal `json:"cash_counted" db:"cash_counted"`
	CashVariance    decimal.NullDecimal `json:"cash_variance" db:"cash_variance"`
	SaleCount       int                 `json:"sale_count" db:"sale_count"`
	RefundCount     int                 `json:"refund_count" db:"refund_count"`
	Notes           string              `json:"notes" db:"notes"`
	CreatedBy       string              `json:"created_by" db:"created_by"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
}

// ReportWindow is (Start, End], or [Start, End] when StartInclusive is set.
type ReportWindow struct {
	Start          time.Time
	End            time.Time
	StartInclusive bool
}

func (w ReportWindow) Contains(t time.Time) bool {
	if t.After(w.End) {
		return false
	}
	if w.StartInclusive {
		return !t.Before(w.Start)
	}
	return t.After(w.Start)
}

type SalesSummary struct {
	TotalSales   decimal.Decimal `db:"total_sales"`
	TotalRefunds decimal.Decimal `db:"total_refunds"`
	TotalCost    decimal.Decimal `db:"total_cost"`
	CashSales    decimal.Decimal `db:"cash_sales"`
	CardSales    decimal.Decimal `db:"card_sales"`
	SaleCount    int             `db:"sale_count"`
	RefundCount  int             `db:"refund_count"`
}

// LotDelta is a positive quantity taken from (or returned to) one lot.
type LotDelta struct {
	LotID    *string `json:"lot_id"`
	Quantity int     `json:"quantity"`
}

type ConsumptionPlan []LotDelta

func (p ConsumptionPlan) Total() int {
	total := 0
	for _, d := range p {
		total += d.Quantity
	}
	return total
}

type StockShortage struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Shortfall   int    `json:"shortfall"`
}

type ProductStock struct {
	ProductID   string          `json:"product_id"`
	TotalStock  int             `json:"total_stock"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Lots        []StockLot      `json:"lots"`
}

type Actor struct {
	Username       string `json:"username"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

type UserAccount struct {
	Username       string    `json:"username" db:"username"`
	Password       string    `json:"-" db:"password_hash"`
	Role           string    `json:"role" db:"role"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken    string `json:"access_token"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
	ExpiresAt      string `json:"expires_at"`
}

type SaleLineRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

type CreateSaleRequest struct {
	Items         []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=cash card"`
	Notes         string            `json:"notes" validate:"max=500"`
}

type CreateSaleResponse struct {
	Sale      Sale            `json:"sale"`
	Shortages []StockShortage `json:"shortages"`
}

type StockCheckLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type StockCheckRequest struct {
	Items []StockCheckLine `json:"items" validate:"required,min=1,dive"`
}

type StockCheckResponse struct {
	Sufficient bool            `json:"sufficient"`
	Shortages  []StockShortage `json:"shortages"`
}

type RefundRequest struct {
	ManagerPIN string `json:"manager_pin"`
	Notes      string `json:"notes" validate:"max=500"`
}

type RefundResponse struct {
	Refund         Sale   `json:"refund"`
	OriginalSaleID string `json:"original_sale_id"`
	RestoredUnits  int    `json:"restored_units"`
}

type AddStockLotRequest struct {
	ProductID   string          `json:"product_id" validate:"required"`
	Quantity    int             `json:"quantity" validate:"gt=0"`
	CostPrice   decimal.Decimal `json:"cost_price" validate:"gte=0"`
	SupplierID  *string         `json:"supplier_id,omitempty"`
	PurchasedAt *time.Time      `json:"purchased_at,omitempty"`
	Notes       string          `json:"notes" validate:"max=500"`
}

type AddStockBulkRequest struct {
	Items      []AddStockLotRequest `json:"items" validate:"required,min=1,dive"`
	InvoiceRef string               `json:"invoice_ref" validate:"max=120"`
}

type AdjustLotRequest struct {
	Delta int    `json:"delta" validate:"ne=0"`
	Notes string `json:"notes" validate:"required,max=500"`
}

type DeleteLotRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

type GenerateReportRequest struct {
	CashCounted *decimal.Decimal `json:"cash_counted,omitempty" validate:"omitempty,gte=0"`
	Notes       string           `json:"notes" validate:"max=1000"`
}

package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/search"
	"kasirledger/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	productColumns = `id, organization_id, category_id, name, search_key, barcode, selling_price, is_active`
	lotColumns     = `id, organization_id, product_id, supplier_id, quantity, remaining, cost_price, purchased_at, notes, created_at`
	logColumns     = `id, organization_id, product_id, lot_id, type, quantity, reference_type, reference_id, sale_item_id, notes, created_at`
	saleColumns    = `id, organization_id, receipt_no, type, original_sale_id, total_amount, total_cost, payment_method, notes, created_by, created_at`
	itemColumns    = `si.id, si.sale_id, si.product_id, si.quantity, si.unit_price, si.unit_cost, si.subtotal, si.original_sale_item_id`
	reportColumns  = `id, organization_id, report_start_time, report_end_time, total_sales, total_refunds, total_cost, gross_profit,
		cash_sales, card_sales, cash_counted, cash_variance, sale_count, refund_count, notes, created_by, created_at`
)

// salesWindowLockSpace namespaces the per-organization advisory lock.
const salesWindowLockSpace = 7301

type Options struct {
	// MaxRetries bounds how often a conflicting transaction is re-run.
	MaxRetries  int
	LockTimeout time.Duration
	Logger      *zap.Logger
}

type Store struct {
	db          *sqlx.DB
	maxRetries  int
	lockTimeout time.Duration
	logger      *zap.Logger
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		db:          db,
		maxRetries:  opts.MaxRetries,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.Named("postgres"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies schema.sql. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// PutProduct mirrors a catalog entry into the ledger tables.
func (s *Store) PutProduct(ctx context.Context, product domain.Product) error {
	if product.SearchKey == "" {
		product.SearchKey = search.Normalize(product.Name)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, organization_id, category_id, name, search_key, barcode, selling_price, is_active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id)
		DO UPDATE SET category_id = EXCLUDED.category_id, name = EXCLUDED.name, search_key = EXCLUDED.search_key,
			barcode = EXCLUDED.barcode, selling_price = EXCLUDED.selling_price, is_active = EXCLUDED.is_active, updated_at = now()
		WHERE products.organization_id = EXCLUDED.organization_id
	`, product.ID, product.OrganizationID, product.CategoryID, product.Name, product.SearchKey, product.Barcode, product.SellingPrice, product.IsActive)
	return err
}

func (s *Store) PutSupplier(ctx context.Context, supplier domain.Supplier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, organization_id, name)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		WHERE suppliers.organization_id = EXCLUDED.organization_id
	`, supplier.ID, supplier.OrganizationID, supplier.Name)
	return err
}

// WithTx runs fn in a serializable transaction. Serialization failures,
// deadlocks, lock timeouts and receipt collisions re-run fn from scratch up
// to MaxRetries times before surfacing as ErrConcurrencyConflict.
func (s *Store) WithTx(ctx context.Context, organizationID string, fn func(tx store.Tx) error) error {
	if strings.TrimSpace(organizationID) == "" {
		return fmt.Errorf("%w: organization is required", store.ErrValidation)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 15 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.runTx(ctx, organizationID, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("transaction conflict",
			zap.String("organization_id", organizationID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, lastErr)
}

func (s *Store) runTx(ctx context.Context, organizationID string, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, org: organizationID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) View(ctx context.Context, organizationID string, fn func(r store.Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, org: organizationID}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx  *sqlx.Tx
	org string
}

func (t *pgTx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := t.tx.GetContext(ctx, &product, `
		SELECT `+productColumns+`
		FROM products
		WHERE organization_id = $1 AND id = $2
	`, t.org, productID)
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (t *pgTx) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := t.tx.GetContext(ctx, &product, `
		SELECT `+productColumns+`
		FROM products
		WHERE organization_id = $1 AND barcode = $2
	`, t.org, strings.TrimSpace(barcode))
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (t *pgTx) SearchProducts(ctx context.Context, searchKey string, limit int) ([]domain.Product, error) {
	query, args := productSearchQuery(t.org, searchKey, limit)
	products := make([]domain.Product, 0, 32)
	if err := t.tx.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, err
	}
	return products, nil
}

func productSearchQuery(organizationID string, searchKey string, limit int) (string, []any) {
	args := []any{organizationID}
	query := `SELECT ` + productColumns + ` FROM products WHERE organization_id = $1 AND is_active = true`

	words := strings.Fields(searchKey)
	if len(words) > 0 {
		clauses := make([]string, 0, len(words))
		for _, word := range words {
			args = append(args, "%"+escapeLike(word)+"%")
			clauses = append(clauses, fmt.Sprintf("search_key LIKE $%d", len(args)))
		}
		args = append(args, searchKey)
		query += fmt.Sprintf(" AND ((%s) OR barcode = $%d)", strings.Join(clauses, " AND "), len(args))
	}

	query += " ORDER BY name, id"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (t *pgTx) GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error) {
	var supplier domain.Supplier
	err := t.tx.GetContext(ctx, &supplier, `
		SELECT id, organization_id, name
		FROM suppliers
		WHERE organization_id = $1 AND id = $2
	`, t.org, supplierID)
	if err != nil {
		return nil, notFound(err)
	}
	return &supplier, nil
}

func (t *pgTx) ListLots(ctx context.Context, productID string) ([]domain.StockLot, error) {
	return t.selectLots(ctx, productID, "")
}

func (t *pgTx) LockLots(ctx context.Context, productID string) ([]domain.StockLot, error) {
	return t.selectLots(ctx, productID, " FOR UPDATE")
}

func (t *pgTx) selectLots(ctx context.Context, productID string, lock string) ([]domain.StockLot, error) {
	lots := make([]domain.StockLot, 0, 8)
	err := t.tx.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE organization_id = $1 AND product_id = $2
		ORDER BY purchased_at ASC, created_at ASC, id ASC`+lock, t.org, productID)
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (t *pgTx) GetLot(ctx context.Context, lotID string) (*domain.StockLot, error) {
	return t.getLot(ctx, lotID, "")
}

func (t *pgTx) LockLot(ctx context.Context, lotID string) (*domain.StockLot, error) {
	return t.getLot(ctx, lotID, " FOR UPDATE")
}

func (t *pgTx) getLot(ctx context.Context, lotID string, lock string) (*domain.StockLot, error) {
	var lot domain.StockLot
	err := t.tx.GetContext(ctx, &lot, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE organization_id = $1 AND id = $2`+lock, t.org, lotID)
	if err != nil {
		return nil, notFound(err)
	}
	return &lot, nil
}

func (t *pgTx) ListStockLogs(ctx context.Context, filter domain.StockLogFilter) ([]domain.StockLog, error) {
	query, args := stockLogQuery(t.org, filter)
	logs := make([]domain.StockLog, 0, 32)
	if err := t.tx.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, err
	}
	return logs, nil
}

func stockLogQuery(organizationID string, filter domain.StockLogFilter) (string, []any) {
	args := []any{organizationID}
	where := []string{"organization_id = $1"}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.LotID != "" {
		add("lot_id = $%d", filter.LotID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.ReferenceType != "" {
		add("reference_type = $%d", string(filter.ReferenceType))
	}
	if filter.ReferenceID != "" {
		add("reference_id = $%d", filter.ReferenceID)
	}
	if filter.SaleItemID != "" {
		add("sale_item_id = $%d", filter.SaleItemID)
	}
	if filter.From != nil {
		add("created_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("created_at <= $%d", filter.To.UTC())
	}

	query := `SELECT ` + logColumns + ` FROM stock_logs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (t *pgTx) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := t.tx.GetContext(ctx, &sale, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE organization_id = $1 AND id = $2
	`, t.org, saleID)
	if err != nil {
		return nil, notFound(err)
	}

	sale.Items = make([]domain.SaleItem, 0, 4)
	if err := t.tx.SelectContext(ctx, &sale.Items, `
		SELECT `+itemColumns+`
		FROM sale_items si
		WHERE si.sale_id = $1
		ORDER BY si.id
	`, sale.ID); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (t *pgTx) GetSaleItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error) {
	return t.getSaleItem(ctx, "si.id = $2", saleItemID, "")
}

func (t *pgTx) LockSaleItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error) {
	return t.getSaleItem(ctx, "si.id = $2", saleItemID, " FOR UPDATE OF si")
}

func (t *pgTx) FindRefundItem(ctx context.Context, saleItemID string) (*domain.SaleItem, error) {
	return t.getSaleItem(ctx, "si.original_sale_item_id = $2", saleItemID, "")
}

func (t *pgTx) getSaleItem(ctx context.Context, condition string, value string, lock string) (*domain.SaleItem, error) {
	var item domain.SaleItem
	err := t.tx.GetContext(ctx, &item, `
		SELECT `+itemColumns+`
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.organization_id = $1 AND `+condition+lock, t.org, value)
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (t *pgTx) LockSalesWindow(ctx context.Context, exclusive bool) error {
	_, err := t.tx.ExecContext(ctx, salesWindowLockQuery(exclusive), salesWindowLockSpace, t.org)
	return err
}

func salesWindowLockQuery(exclusive bool) string {
	if exclusive {
		return `SELECT pg_advisory_xact_lock($1, hashtext($2))`
	}
	return `SELECT pg_advisory_xact_lock_shared($1, hashtext($2))`
}

func (t *pgTx) LatestDailyReport(ctx context.Context) (*domain.DailyReport, error) {
	var report domain.DailyReport
	err := t.tx.GetContext(ctx, &report, `
		SELECT `+reportColumns+`
		FROM daily_reports
		WHERE organization_id = $1
		ORDER BY report_end_time DESC
		LIMIT 1
	`, t.org)
	if err != nil {
		return nil, notFound(err)
	}
	return &report, nil
}

func (t *pgTx) GetDailyReport(ctx context.Context, reportID string) (*domain.DailyReport, error) {
	var report domain.DailyReport
	err := t.tx.GetContext(ctx, &report, `
		SELECT `+reportColumns+`
		FROM daily_reports
		WHERE organization_id = $1 AND id = $2
	`, t.org, reportID)
	if err != nil {
		return nil, notFound(err)
	}
	return &report, nil
}

func (t *pgTx) ListDailyReports(ctx context.Context, limit int) ([]domain.DailyReport, error) {
	reports := make([]domain.DailyReport, 0, 16)
	err := t.tx.SelectContext(ctx, &reports, `
		SELECT `+reportColumns+`
		FROM daily_reports
		WHERE organization_id = $1
		ORDER BY report_end_time DESC
		LIMIT NULLIF($2, 0)
	`, t.org, limit)
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (t *pgTx) FirstSale(ctx context.Context) (*domain.Sale, error) {
	var sale domain.Sale
	err := t.tx.GetContext(ctx, &sale, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE organization_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, t.org)
	if err != nil {
		return nil, notFound(err)
	}
	return &sale, nil
}

func (t *pgTx) SummarizeSales(ctx context.Context, window domain.ReportWindow) (domain.SalesSummary, error) {
	var summary domain.SalesSummary
	err := t.tx.GetContext(ctx, &summary, `
		SELECT
			COALESCE(SUM(total_amount) FILTER (WHERE type = 'SALE'), 0) AS total_sales,
			COALESCE(SUM(total_amount) FILTER (WHERE type = 'REFUND'), 0) AS total_refunds,
			COALESCE(SUM(total_cost) FILTER (WHERE type = 'SALE'), 0) AS total_cost,
			COALESCE(SUM(total_amount) FILTER (WHERE type = 'SALE' AND payment_method = 'cash'), 0) AS cash_sales,
			COALESCE(SUM(total_amount) FILTER (WHERE type = 'SALE' AND payment_method <> 'cash'), 0) AS card_sales,
			COUNT(*) FILTER (WHERE type = 'SALE') AS sale_count,
			COUNT(*) FILTER (WHERE type = 'REFUND') AS refund_count
		FROM sales
		WHERE organization_id = $1
			AND created_at <= $3
			AND (created_at > $2 OR ($4 AND created_at = $2))
	`, t.org, window.Start.UTC(), window.End.UTC(), window.StartInclusive)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	return summary, nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.StockLot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_lots (`+lotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, lot.ID, t.org, lot.ProductID, lot.SupplierID, lot.Quantity, lot.Remaining, lot.CostPrice, lot.PurchasedAt.UTC(), lot.Notes, lot.CreatedAt.UTC())
	return err
}

func (t *pgTx) UpdateLotRemaining(ctx context.Context, lotID string, remaining int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_lots
		SET remaining = $3
		WHERE organization_id = $1 AND id = $2
	`, t.org, lotID, remaining)
	return requireAffected(res, err)
}

func (t *pgTx) DeleteLot(ctx context.Context, lotID string) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM stock_lots
		WHERE organization_id = $1 AND id = $2
	`, t.org, lotID)
	return requireAffected(res, err)
}

func (t *pgTx) InsertStockLog(ctx context.Context, entry domain.StockLog) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_logs (`+logColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, t.org, entry.ProductID, entry.LotID, string(entry.Type), entry.Quantity,
		string(entry.ReferenceType), entry.ReferenceID, entry.SaleItemID, entry.Notes, entry.CreatedAt.UTC())
	return err
}

func (t *pgTx) NextReceiptNo(ctx context.Context, year int) (string, error) {
	var seq int64
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO receipt_counters (organization_id, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (organization_id, year)
		DO UPDATE SET last_value = receipt_counters.last_value + 1
		RETURNING last_value
	`, t.org, year).Scan(&seq)
	if err != nil {
		return "", err
	}
	return store.FormatReceiptNo(year, seq), nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sale.ID, t.org, sale.ReceiptNo, string(sale.Type), sale.OriginalSaleID, sale.TotalAmount, sale.TotalCost,
		sale.PaymentMethod, sale.Notes, sale.CreatedBy, sale.CreatedAt.UTC())
	if err != nil {
		return mapUniqueViolation(err)
	}

	for _, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, quantity, unit_price, unit_cost, subtotal, original_sale_item_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.UnitCost, item.Subtotal, item.OriginalSaleItemID)
		if err != nil {
			return mapUniqueViolation(err)
		}
	}
	return nil
}

func (t *pgTx) InsertDailyReport(ctx context.Context, report domain.DailyReport) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_reports (`+reportColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, report.ID, t.org, report.ReportStartTime.UTC(), report.ReportEndTime.UTC(),
		report.TotalSales, report.TotalRefunds, report.TotalCost, report.GrossProfit,
		report.CashSales, report.CardSales, report.CashCounted, report.CashVariance,
		report.SaleCount, report.RefundCount, report.Notes, report.CreatedBy, report.CreatedAt.UTC())
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.OrganizationID == "" {
		return fmt.Errorf("%w: username, password and organization are required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password_hash, role, organization_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.OrganizationID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	err := s.db.SelectContext(ctx, &users, `
		SELECT username, password_hash, role, organization_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password_hash = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	return requireAffected(res, err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const (
	constraintReceipt     = "ux_sales_receipt"
	constraintRefundOf    = "ux_sale_items_refund_of"
	constraintReportStart = "ux_daily_reports_start"
)

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case constraintRefundOf:
		return store.ErrAlreadyRefunded
	case constraintReportStart:
		return fmt.Errorf("%w: report window already generated", store.ErrConcurrencyConflict)
	default:
		return err
	}
}

// isRetryable reports whether re-running the whole transaction may succeed.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	case "23505":
		return pgErr.ConstraintName == constraintReceipt
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

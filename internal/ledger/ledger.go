// Package ledger owns stock lot balances. Every change to a lot's remaining
// quantity goes through here and is paired with exactly one stock log row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

const (
	MoneyPlaces = 2
	CostPlaces  = 4
)

type Ledger struct {
	now func() time.Time
}

func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// Reference identifies what caused a stock movement.
type Reference struct {
	Type       domain.ReferenceType
	ID         string
	SaleItemID *string
	Notes      string
}

type LotInput struct {
	ProductID   string
	Quantity    int
	CostPrice   decimal.Decimal
	SupplierID  *string
	PurchasedAt *time.Time
	Notes       string
}

// WeightedAverageCost weighs cost by remaining quantity over lots that still
// hold stock. With no positive lot it falls back to the plain mean of every
// lot's cost, and to zero when the product has no lots.
func WeightedAverageCost(lots []domain.StockLot) decimal.Decimal {
	weighted := decimal.Zero
	units := int64(0)
	for _, lot := range lots {
		if lot.Remaining <= 0 {
			continue
		}
		qty := int64(lot.Remaining)
		weighted = weighted.Add(lot.CostPrice.Mul(decimal.NewFromInt(qty)))
		units += qty
	}
	if units > 0 {
		return weighted.Div(decimal.NewFromInt(units)).Round(CostPlaces)
	}
	if len(lots) == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, lot := range lots {
		sum = sum.Add(lot.CostPrice)
	}
	return sum.Div(decimal.NewFromInt(int64(len(lots)))).Round(CostPlaces)
}

// Available is the sum of positive remaining balances.
func Available(lots []domain.StockLot) int {
	total := 0
	for _, lot := range lots {
		if lot.Remaining > 0 {
			total += lot.Remaining
		}
	}
	return total
}

// TotalStock is the signed sum of remaining balances.
func TotalStock(lots []domain.StockLot) int {
	total := 0
	for _, lot := range lots {
		total += lot.Remaining
	}
	return total
}

// PlanConsumption walks lots oldest first and takes what each positive lot
// holds. Whatever cannot be covered lands on the newest lot, which may go
// negative. lots must already be in FIFO order. A product without lots
// yields a single entry with a nil LotID.
func PlanConsumption(lots []domain.StockLot, quantity int) domain.ConsumptionPlan {
	if quantity <= 0 {
		return nil
	}
	if len(lots) == 0 {
		return domain.ConsumptionPlan{{Quantity: quantity}}
	}

	plan := make(domain.ConsumptionPlan, 0, len(lots))
	position := make(map[string]int, len(lots))
	left := quantity
	for _, lot := range lots {
		if left == 0 {
			break
		}
		if lot.Remaining <= 0 {
			continue
		}
		take := min(left, lot.Remaining)
		lotID := lot.ID
		position[lotID] = len(plan)
		plan = append(plan, domain.LotDelta{LotID: &lotID, Quantity: take})
		left -= take
	}

	if left > 0 {
		newest := lots[len(lots)-1].ID
		if i, ok := position[newest]; ok {
			plan[i].Quantity += left
		} else {
			plan = append(plan, domain.LotDelta{LotID: &newest, Quantity: left})
		}
	}
	return plan
}

// Shortage reports how far requested exceeds positive stock, or nil.
func Shortage(product domain.Product, lots []domain.StockLot, requested int) *domain.StockShortage {
	available := Available(lots)
	if requested <= available {
		return nil
	}
	return &domain.StockShortage{
		ProductID:   product.ID,
		ProductName: product.Name,
		Requested:   requested,
		Available:   available,
		Shortfall:   requested - available,
	}
}

// Consume deducts quantity from the product's lots in FIFO order. It never
// refuses for lack of stock. Each touched lot gets one SALE log.
func (l *Ledger) Consume(ctx context.Context, tx store.Tx, productID string, quantity int, ref Reference) (domain.ConsumptionPlan, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: consume quantity must be positive", store.ErrValidation)
	}
	lots, err := tx.LockLots(ctx, productID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.StockLot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	plan := PlanConsumption(lots, quantity)
	at := l.now().UTC()
	for _, delta := range plan {
		if delta.LotID != nil {
			lot := byID[*delta.LotID]
			if err := tx.UpdateLotRemaining(ctx, lot.ID, lot.Remaining-delta.Quantity); err != nil {
				return nil, err
			}
		}
		if err := tx.InsertStockLog(ctx, l.logEntry(productID, delta.LotID, domain.StockLogSale, -delta.Quantity, ref, at)); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Restore credits a previously recorded plan back to the lots it names.
// Lots that no longer exist are recorded as an ADJUSTMENT without a lot.
// It returns the number of units put back.
func (l *Ledger) Restore(ctx context.Context, tx store.Tx, productID string, plan domain.ConsumptionPlan, ref Reference) (int, error) {
	at := l.now().UTC()
	restored := 0
	for _, delta := range plan {
		if delta.Quantity <= 0 {
			continue
		}
		lot, err := l.lockRestorable(ctx, tx, productID, delta.LotID)
		if err != nil {
			return 0, err
		}

		if lot == nil {
			entry := l.logEntry(productID, nil, domain.StockLogAdjustment, delta.Quantity, ref, at)
			if err := tx.InsertStockLog(ctx, entry); err != nil {
				return 0, err
			}
			restored += delta.Quantity
			continue
		}

		if err := tx.UpdateLotRemaining(ctx, lot.ID, lot.Remaining+delta.Quantity); err != nil {
			return 0, err
		}
		lotID := lot.ID
		if err := tx.InsertStockLog(ctx, l.logEntry(productID, &lotID, domain.StockLogRefund, delta.Quantity, ref, at)); err != nil {
			return 0, err
		}
		restored += delta.Quantity
	}
	return restored, nil
}

func (l *Ledger) lockRestorable(ctx context.Context, tx store.Tx, productID string, lotID *string) (*domain.StockLot, error) {
	if lotID == nil {
		return nil, nil
	}
	lot, err := tx.LockLot(ctx, *lotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lot.ProductID != productID {
		return nil, fmt.Errorf("%w: lot %s does not belong to product %s", store.ErrValidation, lot.ID, productID)
	}
	return lot, nil
}

// AddLot records a purchase. referenceID names the purchase document; the
// new lot's id is used when it is empty.
func (l *Ledger) AddLot(ctx context.Context, tx store.Tx, input LotInput, referenceID string) (domain.StockLot, error) {
	if input.Quantity <= 0 {
		return domain.StockLot{}, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}
	if input.CostPrice.IsNegative() {
		return domain.StockLot{}, fmt.Errorf("%w: cost price must not be negative", store.ErrValidation)
	}
	if _, err := tx.GetProduct(ctx, input.ProductID); err != nil {
		return domain.StockLot{}, err
	}
	if input.SupplierID != nil {
		if _, err := tx.GetSupplier(ctx, *input.SupplierID); err != nil {
			return domain.StockLot{}, err
		}
	}

	at := l.now().UTC()
	purchasedAt := at
	if input.PurchasedAt != nil && !input.PurchasedAt.IsZero() {
		purchasedAt = input.PurchasedAt.UTC()
	}
	lot := domain.StockLot{
		ID:          xid.New("lot"),
		ProductID:   input.ProductID,
		SupplierID:  input.SupplierID,
		Quantity:    input.Quantity,
		Remaining:   input.Quantity,
		CostPrice:   input.CostPrice.Round(CostPlaces),
		PurchasedAt: purchasedAt,
		Notes:       input.Notes,
		CreatedAt:   at,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return domain.StockLot{}, err
	}

	if referenceID == "" {
		referenceID = lot.ID
	}
	ref := Reference{Type: domain.ReferencePurchase, ID: referenceID, Notes: input.Notes}
	lotID := lot.ID
	if err := tx.InsertStockLog(ctx, l.logEntry(lot.ProductID, &lotID, domain.StockLogPurchase, lot.Quantity, ref, at)); err != nil {
		return domain.StockLot{}, err
	}
	return lot, nil
}

// Adjust applies a manual signed correction to one lot.
func (l *Ledger) Adjust(ctx context.Context, tx store.Tx, lotID string, delta int, notes string) (domain.StockLot, error) {
	if delta == 0 {
		return domain.StockLot{}, fmt.Errorf("%w: adjustment must not be zero", store.ErrValidation)
	}
	lot, err := tx.LockLot(ctx, lotID)
	if err != nil {
		return domain.StockLot{}, err
	}
	lot.Remaining += delta
	if err := tx.UpdateLotRemaining(ctx, lot.ID, lot.Remaining); err != nil {
		return domain.StockLot{}, err
	}

	ref := Reference{Type: domain.ReferenceManual, ID: lot.ID, Notes: notes}
	id := lot.ID
	if err := tx.InsertStockLog(ctx, l.logEntry(lot.ProductID, &id, domain.StockLogAdjustment, delta, ref, l.now().UTC())); err != nil {
		return domain.StockLot{}, err
	}
	return *lot, nil
}

// DeleteLot removes a lot. Existing logs keep their rows with a nil lot and
// the balance still held by the lot is written off as an ADJUSTMENT.
func (l *Ledger) DeleteLot(ctx context.Context, tx store.Tx, lotID string, notes string) (domain.StockLot, error) {
	lot, err := tx.LockLot(ctx, lotID)
	if err != nil {
		return domain.StockLot{}, err
	}
	if err := tx.DeleteLot(ctx, lot.ID); err != nil {
		return domain.StockLot{}, err
	}
	if lot.Remaining != 0 {
		ref := Reference{Type: domain.ReferenceManual, ID: lot.ID, Notes: notes}
		if err := tx.InsertStockLog(ctx, l.logEntry(lot.ProductID, nil, domain.StockLogAdjustment, -lot.Remaining, ref, l.now().UTC())); err != nil {
			return domain.StockLot{}, err
		}
	}
	return *lot, nil
}

func (l *Ledger) logEntry(productID string, lotID *string, kind domain.StockLogType, quantity int, ref Reference, at time.Time) domain.StockLog {
	return domain.StockLog{
		ID:            xid.New("slog"),
		ProductID:     productID,
		LotID:         lotID,
		Type:          kind,
		Quantity:      quantity,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		SaleItemID:    ref.SaleItemID,
		Notes:         ref.Notes,
		CreatedAt:     at,
	}
}

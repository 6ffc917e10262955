package memory

import (
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/search"
)

const DefaultOrganizationID = "org-demo"

// seedUsers builds dev/demo accounts for organizationID. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, with dev defaults otherwise.
// The in-memory store is never used when DATABASE_URL is set.
func seedUsers(organizationID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:       u.username,
			Password:       string(hash),
			Role:           u.role,
			OrganizationID: organizationID,
			Active:         true,
			CreatedAt:      now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small grocery catalog, one supplier, two
// purchase lots per product and the demo accounts, all in organizationID.
func NewSeeded(organizationID string) *Store {
	if organizationID == "" {
		organizationID = DefaultOrganizationID
	}
	s := New()

	supplier := domain.Supplier{ID: "sup-sumber-makmur", OrganizationID: organizationID, Name: "CV Sumber Makmur"}
	s.suppliers[supplier.ID] = supplier

	catalog := []struct {
		id      string
		name    string
		barcode string
		price   int64
		costs   [2]int64
	}{
		{"prd-mie-goreng", "Mie Goreng Instan", "8991002101234", 3500, [2]int64{2700, 2900}},
		{"prd-telur-10", "Telur 10 Butir", "8991002105678", 26500, [2]int64{22500, 23500}},
		{"prd-susu-uht", "Susu UHT 1L", "8991002109012", 18900, [2]int64{14000, 14600}},
		{"prd-kopi-sachet", "Kopi Sachet", "8991002103456", 2600, [2]int64{1700, 1750}},
		{"prd-gula-1kg", "Gula 1kg", "8991002107890", 17400, [2]int64{15200, 15500}},
		{"prd-air-600", "Air Mineral 600ml", "8991002102345", 3900, [2]int64{3000, 3100}},
	}

	base := time.Now().UTC().AddDate(0, 0, -14)
	supplierID := supplier.ID
	for i, item := range catalog {
		barcode := item.barcode
		s.products[item.id] = domain.Product{
			ID:             item.id,
			OrganizationID: organizationID,
			Name:           item.name,
			SearchKey:      search.Normalize(item.name),
			Barcode:        &barcode,
			SellingPrice:   decimal.NewFromInt(item.price),
			IsActive:       true,
		}
		for j, cost := range item.costs {
			purchasedAt := base.AddDate(0, 0, j*7).Add(time.Duration(i) * time.Minute)
			lot := domain.StockLot{
				ID:             item.id + "-lot-" + string(rune('a'+j)),
				OrganizationID: organizationID,
				ProductID:      item.id,
				SupplierID:     &supplierID,
				Quantity:       48,
				Remaining:      48,
				CostPrice:      decimal.NewFromInt(cost),
				PurchasedAt:    purchasedAt,
				Notes:          "opening stock",
				CreatedAt:      purchasedAt,
			}
			s.lots[lot.ID] = lot
			lotID := lot.ID
			s.logs = append(s.logs, domain.StockLog{
				ID:             lot.ID + "-purchase",
				OrganizationID: organizationID,
				ProductID:      item.id,
				LotID:          &lotID,
				Type:           domain.StockLogPurchase,
				Quantity:       lot.Quantity,
				ReferenceType:  domain.ReferencePurchase,
				ReferenceID:    lot.ID,
				Notes:          lot.Notes,
				CreatedAt:      purchasedAt,
			})
		}
	}

	s.usersByName = seedUsers(organizationID)
	return s
}

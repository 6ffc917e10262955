package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:       "admin",
				Password:       "admin123",
				Role:           domain.RoleAdmin,
				OrganizationID: "org-toko",
				Active:         true,
				CreatedAt:      time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", users)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	stored, err := users.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotEqual(t, "admin123", stored[0].Password)
	require.True(t, strings.HasPrefix(stored[0].Password, "$2"), "expected bcrypt hash, got %s", stored[0].Password)
	require.Equal(t, 1, users.updates)
}

func TestTokenCarriesOrganization(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Admin ", Password: "admin123"})
	require.NoError(t, err)
	require.Equal(t, "org-toko", resp.OrganizationID)
	require.Equal(t, domain.RoleAdmin, resp.Role)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin, OrganizationID: "org-toko"}, actor)
}

func TestLoginRejectsBadPasswordAndInactiveAccount(t *testing.T) {
	users := legacyAdminStore()
	users.users["kasir"] = domain.UserAccount{
		Username:       "kasir",
		Password:       "kasir123",
		Role:           domain.RoleCashier,
		OrganizationID: "org-toko",
		Active:         false,
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", users)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"})
	require.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "admin123"})
	require.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "kasir", Password: "kasir123"})
	require.ErrorIs(t, err, errInactiveAccount)
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore())

	sign := func(secret string, claims ledgerClaims) string {
		token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}
	valid := func() ledgerClaims {
		return ledgerClaims{
			RegisteredClaims: jwtlib.RegisteredClaims{
				Subject:   "admin",
				Issuer:    tokenIssuer,
				ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role:           domain.RoleAdmin,
			OrganizationID: "org-toko",
		}
	}

	_, err := manager.ParseToken(sign("test-secret", valid()))
	require.NoError(t, err)

	_, err = manager.ParseToken(sign("other-secret", valid()))
	require.Error(t, err)

	expired := valid()
	expired.ExpiresAt = jwtlib.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = manager.ParseToken(sign("test-secret", expired))
	require.Error(t, err)

	noOrg := valid()
	noOrg.OrganizationID = ""
	_, err = manager.ParseToken(sign("test-secret", noOrg))
	require.Error(t, err)

	wrongIssuer := valid()
	wrongIssuer.Issuer = "someone-else"
	_, err = manager.ParseToken(sign("test-secret", wrongIssuer))
	require.Error(t, err)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{})

	require.NotEqual(t, "654321", manager.managerPIN)
	require.True(t, manager.ValidateManagerPIN("654321"))
	require.True(t, manager.ValidateManagerPIN(" 654321 "))
	require.False(t, manager.ValidateManagerPIN("111111"))
	require.False(t, manager.ValidateManagerPIN(""))
}

func TestEmptyManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", &userStoreStub{})
	require.False(t, manager.ValidateManagerPIN(""))
	require.False(t, manager.ValidateManagerPIN("123456"))
}

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/config"
	"kasirledger/backend/internal/store/memory"
)

func TestValidateSecurityConfig(t *testing.T) {
	strongSecret := "0123456789abcdef0123456789abcdef"

	require.Error(t, validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "739154"}))
	require.Error(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "7391"}))
	require.Error(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "123456"}))
	require.NoError(t, validateSecurityConfig(config.Config{AuthSecret: strongSecret, ManagerPIN: "739154"}))
}

func TestValidatePINStrength(t *testing.T) {
	for _, weak := range []string{"111111", "123456", "987654", "000000", "121212"} {
		require.Error(t, validatePINStrength(weak), weak)
	}
	for _, ok := range []string{"739154", "502817", "91827364"} {
		require.NoError(t, validatePINStrength(ok), ok)
	}
}

func TestOpenRepositoryDefaultsToSeededMemory(t *testing.T) {
	repo, closeFn, err := openRepository(context.Background(), config.Config{DefaultOrganizationID: "org-toko"}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, closeFn)
	require.IsType(t, &memory.Store{}, repo)

	users, err := repo.ListUsers(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, users)
	for _, user := range users {
		require.Equal(t, "org-toko", user.OrganizationID)
	}
}

func TestOpenStockCacheWithoutRedisIsNoop(t *testing.T) {
	stockCache, closeFn := openStockCache(context.Background(), config.Config{}, zap.NewNop())
	require.Nil(t, closeFn)
	require.Equal(t, cache.NoopStockCache{}, stockCache)
}

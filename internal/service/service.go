package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	ledger     *ledger.Ledger
	stockCache cache.StockCache
	cacheTTL   time.Duration
	logger     *zap.Logger
	validate   *validator.Validate
	now        func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now. Tests use it to place sales and reports.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithStockCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

func New(repo store.Repository, stockCache cache.StockCache, logger *zap.Logger, opts ...Option) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:       repo,
		stockCache: stockCache,
		cacheTTL:   30 * time.Second,
		logger:     logger.Named("service"),
		validate:   newValidator(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = ledger.New(s.clock)
	return s
}

// clock is truncated to microseconds so values survive a round trip
// through timestamptz unchanged.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s is %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", store.ErrValidation, strings.Join(problems, "; "))
}

func (s *Service) opLogger(ctx context.Context, operation string, organizationID string) *zap.Logger {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("organization_id", organizationID),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		fields = append(fields, zap.String("actor", actor.Username), zap.String("role", actor.Role))
	}
	return s.logger.With(fields...)
}

func (s *Service) logAudit(ctx context.Context, organizationID string, action string, entityType string, entityID string, fields ...zap.Field) {
	s.opLogger(ctx, action, organizationID).Info("audit",
		append([]zap.Field{zap.String("entity_type", entityType), zap.String("entity_id", entityID)}, fields...)...)
}

// invalidateStock drops cached stock snapshots after a committed change.
func (s *Service) invalidateStock(ctx context.Context, organizationID string, productIDs ...string) {
	if len(productIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, cache.StockKey(organizationID, id))
	}
	if err := s.stockCache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("stock cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(ledger.MoneyPlaces)
}

func clampLimit(limit int, fallback int, maxLimit int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

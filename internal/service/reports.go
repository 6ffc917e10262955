package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/ledger"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// GenerateDailyReport closes the window since the previous report. The first
// report of an organization starts at its first sale, inclusive. Later ones
// are (previous end, now].
func (s *Service) GenerateDailyReport(ctx context.Context, organizationID string, req domain.GenerateReportRequest) (domain.DailyReport, error) {
	req.Notes = strings.TrimSpace(req.Notes)
	if err := s.validateRequest(req); err != nil {
		return domain.DailyReport{}, err
	}

	var report domain.DailyReport
	err := s.repo.WithTx(ctx, organizationID, func(tx store.Tx) error {
		if err := tx.LockSalesWindow(ctx, true); err != nil {
			return err
		}
		now := s.clock()
		window, err := nextReportWindow(ctx, tx, now)
		if err != nil {
			return err
		}

		summary, err := tx.SummarizeSales(ctx, window)
		if err != nil {
			return err
		}

		totalSales := roundMoney(summary.TotalSales)
		totalRefunds := roundMoney(summary.TotalRefunds)
		totalCost := roundMoney(summary.TotalCost)
		cashSales := roundMoney(summary.CashSales)
		built := domain.DailyReport{
			ID:              xid.New("rpt"),
			OrganizationID:  organizationID,
			ReportStartTime: window.Start,
			ReportEndTime:   window.End,
			TotalSales:      totalSales,
			TotalRefunds:    totalRefunds,
			TotalCost:       totalCost,
			GrossProfit:     totalSales.Sub(totalRefunds).Sub(totalCost),
			CashSales:       cashSales,
			CardSales:       roundMoney(summary.CardSales),
			SaleCount:       summary.SaleCount,
			RefundCount:     summary.RefundCount,
			Notes:           req.Notes,
			CreatedBy:       actorName(ctx),
			CreatedAt:       now,
		}
		if req.CashCounted != nil {
			counted := roundMoney(*req.CashCounted)
			built.CashCounted = decimal.NewNullDecimal(counted)
			built.CashVariance = decimal.NewNullDecimal(counted.Sub(cashSales))
		}

		if err := tx.InsertDailyReport(ctx, built); err != nil {
			return err
		}
		report = built
		return nil
	})
	if err != nil {
		return domain.DailyReport{}, err
	}

	fields := []zap.Field{
		zap.Time("report_start_time", report.ReportStartTime),
		zap.Time("report_end_time", report.ReportEndTime),
		zap.String("total_sales", report.TotalSales.StringFixed(ledger.MoneyPlaces)),
	}
	if report.CashVariance.Valid {
		fields = append(fields, zap.String("cash_variance", report.CashVariance.Decimal.StringFixed(ledger.MoneyPlaces)))
	}
	s.logAudit(ctx, organizationID, "daily_report_generate", "daily_report", report.ID, fields...)
	return report, nil
}

func nextReportWindow(ctx context.Context, tx store.Tx, now time.Time) (domain.ReportWindow, error) {
	previous, err := tx.LatestDailyReport(ctx)
	switch {
	case err == nil:
		if !now.After(previous.ReportEndTime) {
			return domain.ReportWindow{}, fmt.Errorf("%w: a report already covers this period", store.ErrConcurrencyConflict)
		}
		return domain.ReportWindow{Start: previous.ReportEndTime, End: now}, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.ReportWindow{}, err
	}

	first, err := tx.FirstSale(ctx)
	switch {
	case err == nil:
		start := first.CreatedAt
		if start.After(now) {
			start = now
		}
		return domain.ReportWindow{Start: start, End: now, StartInclusive: true}, nil
	case errors.Is(err, store.ErrNotFound):
		return domain.ReportWindow{Start: now, End: now, StartInclusive: true}, nil
	default:
		return domain.ReportWindow{}, err
	}
}

func (s *Service) ListDailyReports(ctx context.Context, organizationID string, limit int) ([]domain.DailyReport, error) {
	limit = clampLimit(limit, 30, 366)

	var reports []domain.DailyReport
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.ListDailyReports(ctx, limit)
		if err != nil {
			return err
		}
		reports = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *Service) GetDailyReport(ctx context.Context, organizationID string, reportID string) (domain.DailyReport, error) {
	var report domain.DailyReport
	err := s.repo.View(ctx, organizationID, func(r store.Reader) error {
		found, err := r.GetDailyReport(ctx, strings.TrimSpace(reportID))
		if err != nil {
			return err
		}
		report = *found
		return nil
	})
	if err != nil {
		return domain.DailyReport{}, err
	}
	return report, nil
}

package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"banxico-rate-alerts/internal/fetcher"
	"banxico-rate-alerts/internal/rates"
)

// SimulateAlert 使用给定的当前/历史利率走一遍完整检查流程, 告警经真实通道发出。
func (a *App) SimulateAlert(ctx context.Context, current, previous decimal.Decimal) error {
	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	today := rates.Day(time.Now().In(a.Config.Banxico.Location()))
	src := &staticSource{
		current:  rates.NewRatePoint(current, today),
		previous: rates.NewRatePoint(previous, today.AddDate(0, 0, -1)),
	}

	svc := a.newService(nil, src, notifier, nil)
	report, err := svc.Check(ctx)
	a.printReport(report)
	if err != nil {
		return err
	}
	if !report.Notified {
		return errors.New("模拟的利率变化未达到阈值, 未发送告警")
	}
	return nil
}

type staticSource struct {
	current  rates.RatePoint
	previous rates.RatePoint
}

func (s *staticSource) FetchCurrent(ctx context.Context) (rates.RatePoint, error) {
	return s.current, nil
}

func (s *staticSource) FetchHistorical(ctx context.Context, excluding time.Time, lookbackDays int) (rates.RatePoint, error) {
	return s.previous, nil
}

var _ fetcher.RateSource = (*staticSource)(nil)

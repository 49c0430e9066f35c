/*
Package analytics derives per-motor health from the sales history.

PURPOSE:
  Answers "which motors sell, and which have gone quiet" without any state
  of its own: everything is recomputed from the sales table and cached for
  a short TTL.

THE OVERDUE RULE:
  A motor's expected sale cadence is the average interval between its sales
  over the lookback window, computed only once it has at least 5 sales
  (fewer yields too noisy an average to alert on). The motor turns overdue
  when the time since its last sale exceeds twice that average. The boundary
  itself is healthy: exactly 2x the average is still on time.

SEE ALSO:
  - store/sqlite/stats.go: The per-motor series this is built on
*/
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/sleli/tecnotouch/store/sqlite"
)

const (
	// DefaultTTL bounds how stale cached analytics may get.
	DefaultTTL = 5 * time.Minute

	// lookbackDays is the window used for the average sale interval.
	lookbackDays = 7

	// minSalesForInterval is the minimum sample size for the cadence average.
	minSalesForInterval = 5

	// overdueFactor scales the average interval into the alert threshold.
	overdueFactor = 2.0
)

// Motor status values.
const (
	StatusActive  = "active"  // selling at or above expected cadence
	StatusOverdue = "overdue" // quiet for more than twice its average interval
	StatusNoData  = "no_data" // not enough history to judge
)

// MotorReport is the derived health of one motor.
type MotorReport struct {
	MotorID     int     `json:"motor_id"`
	ProductName string  `json:"product_name"`
	Price       float64 `json:"price"`
	Position    string  `json:"position"`
	TotalSales  int     `json:"total_sales"`

	Today sqlite.MotorPeriodStats `json:"today"`
	Week  sqlite.MotorPeriodStats `json:"week"`
	Month sqlite.MotorPeriodStats `json:"month"`

	LastSaleTime     *string  `json:"last_sale_time"`
	MinutesSinceLast *float64 `json:"minutes_since_last"`

	// AvgIntervalMinutes is nil until the motor has enough recent sales.
	AvgIntervalMinutes *float64 `json:"avg_interval_minutes"`
	ThresholdMinutes   *float64 `json:"threshold_minutes"`

	Status string `json:"status"`
}

// Service computes motor reports over one store.
type Service struct {
	store *sqlite.Store
	cache *Cache
	now   func() time.Time
}

// NewService returns a Service with the default cache TTL.
func NewService(store *sqlite.Store) *Service {
	return &Service{
		store: store,
		cache: NewCache(DefaultTTL),
		now:   time.Now,
	}
}

// MotorReports returns the health of every known motor, cached for the TTL.
func (s *Service) MotorReports(ctx context.Context) ([]MotorReport, error) {
	if v, ok := s.cache.Get("motor_reports"); ok {
		return v.([]MotorReport), nil
	}

	motors, err := s.store.ListMotors(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]MotorReport, 0, len(motors))
	for _, m := range motors {
		r, err := s.buildReport(ctx, m)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}

	s.cache.Set("motor_reports", reports)
	return reports, nil
}

// MotorReport returns one motor's health, bypassing the list cache.
// Unknown motors yield machine.ErrMotorNotFound via the store.
func (s *Service) MotorReport(ctx context.Context, motorID int) (*MotorReport, error) {
	key := fmt.Sprintf("motor_report:%d", motorID)
	if v, ok := s.cache.Get(key); ok {
		r := v.(MotorReport)
		return &r, nil
	}

	m, err := s.store.GetMotor(ctx, motorID)
	if err != nil {
		return nil, err
	}
	r, err := s.buildReport(ctx, *m)
	if err != nil {
		return nil, err
	}

	s.cache.Set(key, r)
	return &r, nil
}

func (s *Service) buildReport(ctx context.Context, m sqlite.Motor) (MotorReport, error) {
	now := s.now()
	r := MotorReport{
		MotorID:     m.MotorID,
		ProductName: m.ProductName,
		Price:       m.Price,
		Position:    m.Position,
		TotalSales:  m.TotalSales,
		Status:      StatusNoData,
	}

	var err error
	if r.Today, err = s.store.MotorStatsSince(ctx, m.MotorID, startOfDay(now)); err != nil {
		return r, err
	}
	if r.Week, err = s.store.MotorStatsSince(ctx, m.MotorID, now.AddDate(0, 0, -7)); err != nil {
		return r, err
	}
	if r.Month, err = s.store.MotorStatsSince(ctx, m.MotorID, now.AddDate(0, -1, 0)); err != nil {
		return r, err
	}

	if m.LastSaleTime != nil {
		ts := m.LastSaleTime.Format(sqlite.TimeLayout)
		r.LastSaleTime = &ts
		since := now.Sub(*m.LastSaleTime).Minutes()
		r.MinutesSinceLast = &since
	}

	times, err := s.store.MotorSaleTimes(ctx, m.MotorID, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		return r, err
	}
	if avg, ok := averageInterval(times); ok {
		threshold := avg * overdueFactor
		r.AvgIntervalMinutes = &avg
		r.ThresholdMinutes = &threshold
		if r.MinutesSinceLast != nil {
			r.Status = classify(*r.MinutesSinceLast, threshold)
		}
	}
	return r, nil
}

// averageInterval is the mean gap in minutes between consecutive sale times.
// ok is false below the minimum sample size.
func averageInterval(times []time.Time) (float64, bool) {
	if len(times) < minSalesForInterval {
		return 0, false
	}
	total := times[len(times)-1].Sub(times[0])
	return total.Minutes() / float64(len(times)-1), true
}

// classify applies the overdue rule. Exactly at the threshold is active.
func classify(minutesSinceLast, thresholdMinutes float64) string {
	if minutesSinceLast > thresholdMinutes {
		return StatusOverdue
	}
	return StatusActive
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// FlushCache drops the cached reports. Called after every import that
// changed the sales table.
func (s *Service) FlushCache() {
	s.cache.Flush()
}

// SweepCache evicts expired entries and reports how many were dropped.
func (s *Service) SweepCache() int {
	return s.cache.Sweep()
}

// CacheStats exposes the cache counters for the status endpoint.
func (s *Service) CacheStats() Stats {
	return s.cache.Stats()
}

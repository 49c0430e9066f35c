/*
stats.go - Read-side aggregation queries

PURPOSE:
  All reporting queries over the sales and transactions tables: the overview
  totals with payment breakdown, brand and package groupings with share
  percentages, the filtered transaction list, the daily summary and the
  per-motor series consumed by the analytics layer.

  Aggregation happens in SQL (SUM / AVG / ROUND) over the REAL columns;
  percentages are rounded to two decimals and computed against the overall
  totals of the same date window.

SEE ALSO:
  - sqlite.go: Schema and write-side operations
  - analytics: Derived per-motor health built on the per-motor series
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// OVERVIEW
// =============================================================================

// PaymentBreakdown is the per-method slice of the overview. Count is
// customer interactions (transactions), not vends, and Revenue is net of
// returned change.
type PaymentBreakdown struct {
	Method  string  `json:"method"`
	Count   int     `json:"count"`
	Revenue float64 `json:"revenue"`
}

// OverviewStats is the headline sales summary for a date window.
type OverviewStats struct {
	TotalSales     int                `json:"total_sales"`
	TotalRevenue   float64            `json:"total_revenue"`
	AvgPrice       float64            `json:"avg_price"`
	PaymentMethods []PaymentBreakdown `json:"payment_methods"`
}

// dateFilter builds the optional DATE(sale_time) window clause. Empty bounds
// are open bounds.
func dateFilter(col, dateFrom, dateTo string, args []any) (string, []any) {
	clause := ""
	if dateFrom != "" {
		clause += fmt.Sprintf(" AND DATE(%s) >= ?", col)
		args = append(args, dateFrom)
	}
	if dateTo != "" {
		clause += fmt.Sprintf(" AND DATE(%s) <= ?", col)
		args = append(args, dateTo)
	}
	return clause, args
}

// StatisticsOverview returns headline totals plus the payment-method
// breakdown for the window. Dates are "2006-01-02" strings; empty means open.
func (s *Store) StatisticsOverview(ctx context.Context, dateFrom, dateTo string) (OverviewStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out OverviewStats

	clause, args := dateFilter("sale_time", dateFrom, dateTo, nil)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(ROUND(SUM(price), 2), 0),
		       COALESCE(ROUND(AVG(price), 2), 0)
		FROM sales
		WHERE 1=1`+clause, args...,
	).Scan(&out.TotalSales, &out.TotalRevenue, &out.AvgPrice)
	if err != nil {
		return out, fmt.Errorf("failed to compute overview: %w", err)
	}

	// The breakdown comes from transactions, not sales: one cash purchase
	// dispensing three packs is one interaction, and its revenue is net of
	// the change returned.
	txClause, txArgs := dateFilter("start_time", dateFrom, dateTo, nil)
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(payment_method, 'UNKNOWN'),
		       COUNT(*),
		       COALESCE(ROUND(SUM(net_revenue), 2), 0)
		FROM transactions
		WHERE 1=1`+txClause+`
		GROUP BY payment_method
		ORDER BY COUNT(*) DESC`, txArgs...)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var b PaymentBreakdown
		if err := rows.Scan(&b.Method, &b.Count, &b.Revenue); err != nil {
			return out, err
		}
		out.PaymentMethods = append(out.PaymentMethods, b)
	}
	return out, rows.Err()
}

// =============================================================================
// GROUPINGS - by brand, by package
// =============================================================================

// GroupStat is one row of a brand or package grouping. Percentages are the
// group's share of the window's overall sale count and revenue.
type GroupStat struct {
	Name              string  `json:"name"`
	Quantity          int     `json:"quantity"`
	Revenue           float64 `json:"revenue"`
	AvgPrice          float64 `json:"avg_price"`
	SalesPercentage   float64 `json:"sales_percentage"`
	RevenuePercentage float64 `json:"revenue_percentage"`
}

// StatisticsByBrand groups the window's sales by resolved brand, most sold
// first. Sales without a brand link report as UNKNOWN.
func (s *Store) StatisticsByBrand(ctx context.Context, dateFrom, dateTo string) ([]GroupStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clause, window := dateFilter("s.sale_time", dateFrom, dateTo, nil)
	// the two percentage denominators and the outer WHERE share one window
	args := append(append(append([]any{}, window...), window...), window...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(b.name, 'UNKNOWN') AS brand,
		       COUNT(*) AS quantity,
		       COALESCE(ROUND(SUM(s.price), 2), 0) AS revenue,
		       COALESCE(ROUND(AVG(s.price), 2), 0) AS avg_price,
		       ROUND(COUNT(*) * 100.0 / (
		           SELECT COUNT(*) FROM sales s WHERE 1=1`+clause+`
		       ), 2) AS sales_pct,
		       ROUND(SUM(s.price) * 100.0 / (
		           SELECT SUM(price) FROM sales s WHERE 1=1`+clause+`
		       ), 2) AS revenue_pct
		FROM sales s
		LEFT JOIN brands b ON b.id = s.brand_id
		WHERE 1=1`+clause+`
		GROUP BY brand
		ORDER BY quantity DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group by brand: %w", err)
	}
	defer rows.Close()

	return scanGroupStats(rows)
}

// StatisticsByPackage groups the window's sales by exact product name.
func (s *Store) StatisticsByPackage(ctx context.Context, dateFrom, dateTo string) ([]GroupStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clause, window := dateFilter("s.sale_time", dateFrom, dateTo, nil)
	args := append(append(append([]any{}, window...), window...), window...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.product_name,
		       COUNT(*) AS quantity,
		       COALESCE(ROUND(SUM(s.price), 2), 0) AS revenue,
		       COALESCE(ROUND(AVG(s.price), 2), 0) AS avg_price,
		       ROUND(COUNT(*) * 100.0 / (
		           SELECT COUNT(*) FROM sales s WHERE 1=1`+clause+`
		       ), 2) AS sales_pct,
		       ROUND(SUM(s.price) * 100.0 / (
		           SELECT SUM(price) FROM sales s WHERE 1=1`+clause+`
		       ), 2) AS revenue_pct
		FROM sales s
		WHERE 1=1`+clause+`
		GROUP BY s.product_name
		ORDER BY quantity DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group by package: %w", err)
	}
	defer rows.Close()

	return scanGroupStats(rows)
}

func scanGroupStats(rows *sql.Rows) ([]GroupStat, error) {
	var stats []GroupStat
	for rows.Next() {
		var (
			g        GroupStat
			salesPct sql.NullFloat64
			revPct   sql.NullFloat64
		)
		if err := rows.Scan(&g.Name, &g.Quantity, &g.Revenue, &g.AvgPrice, &salesPct, &revPct); err != nil {
			return nil, err
		}
		g.SalesPercentage = salesPct.Float64
		g.RevenuePercentage = revPct.Float64
		stats = append(stats, g)
	}
	return stats, rows.Err()
}

// =============================================================================
// TRANSACTION LIST
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero values are open bounds.
type TransactionFilter struct {
	DateFrom      string // "2006-01-02"
	DateTo        string
	PaymentMethod string // CASH, POS or UNKNOWN
	Limit         int    // default 100
}

// TransactionRow is one reconstructed transaction plus its sale count.
type TransactionRow struct {
	ID            int64    `json:"id"`
	StartTime     string   `json:"start_time"`
	EndTime       *string  `json:"end_time"`
	PaymentMethod string   `json:"payment_method"`
	TotalPaid     float64  `json:"total_paid"`
	TotalChange   float64  `json:"total_change"`
	NetRevenue    float64  `json:"net_revenue"`
	IsComplete    bool     `json:"is_complete"`
	SaleCount     int      `json:"sale_count"`
	Products      []string `json:"products"`
}

// ListTransactions returns reconstructed transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, f TransactionFilter) ([]TransactionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	clause, args := dateFilter("t.start_time", f.DateFrom, f.DateTo, nil)
	if f.PaymentMethod != "" {
		clause += " AND t.payment_method = ?"
		args = append(args, f.PaymentMethod)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.start_time, t.end_time, t.payment_method,
		       t.total_paid, t.total_change, t.net_revenue, t.is_complete,
		       COUNT(s.id) AS sale_count
		FROM transactions t
		LEFT JOIN sales s ON s.transaction_id = t.id
		WHERE 1=1`+clause+`
		GROUP BY t.id
		ORDER BY t.start_time DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var list []TransactionRow
	for rows.Next() {
		var (
			t       TransactionRow
			endTime sql.NullString
		)
		err := rows.Scan(&t.ID, &t.StartTime, &endTime, &t.PaymentMethod,
			&t.TotalPaid, &t.TotalChange, &t.NetRevenue, &t.IsComplete, &t.SaleCount)
		if err != nil {
			return nil, err
		}
		if endTime.Valid {
			t.EndTime = &endTime.String
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range list {
		products, err := s.transactionProducts(ctx, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Products = products
	}
	return list, nil
}

func (s *Store) transactionProducts(ctx context.Context, txID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT product_name FROM sales WHERE transaction_id = ? ORDER BY id", txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// =============================================================================
// DAILY SUMMARY
// =============================================================================

// DailySummaryRow is the rollup of one calendar day.
type DailySummaryRow struct {
	Date           string             `json:"date"`
	TotalSales     int                `json:"total_sales"`
	TotalRevenue   float64            `json:"total_revenue"`
	MotorsUsed     int                `json:"motors_used"`
	PaymentMethods []PaymentBreakdown `json:"payment_methods"`
}

// DailySummary returns the per-day rollup for the last daysBack days
// (inclusive of today), newest day first. Days without sales are absent.
func (s *Store) DailySummary(ctx context.Context, daysBack int) ([]DailySummaryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if daysBack <= 0 {
		daysBack = 7
	}
	since := time.Now().AddDate(0, 0, -daysBack+1).Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx, `
		SELECT DATE(sale_time) AS day,
		       COALESCE(payment_method, 'UNKNOWN') AS method,
		       COUNT(*),
		       COALESCE(ROUND(SUM(price), 2), 0)
		FROM sales
		WHERE DATE(sale_time) >= ?
		GROUP BY day, method
		ORDER BY day DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute daily summary: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]*DailySummaryRow)
	var order []string
	for rows.Next() {
		var (
			day string
			b   PaymentBreakdown
		)
		if err := rows.Scan(&day, &b.Method, &b.Count, &b.Revenue); err != nil {
			return nil, err
		}
		d, ok := byDay[day]
		if !ok {
			d = &DailySummaryRow{Date: day}
			byDay[day] = d
			order = append(order, day)
		}
		d.TotalSales += b.Count
		d.TotalRevenue += b.Revenue
		d.PaymentMethods = append(d.PaymentMethods, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	motorRows, err := s.db.QueryContext(ctx, `
		SELECT DATE(sale_time) AS day, COUNT(DISTINCT motor_id)
		FROM sales
		WHERE DATE(sale_time) >= ?
		GROUP BY day`, since)
	if err != nil {
		return nil, err
	}
	defer motorRows.Close()

	for motorRows.Next() {
		var (
			day string
			n   int
		)
		if err := motorRows.Scan(&day, &n); err != nil {
			return nil, err
		}
		if d, ok := byDay[day]; ok {
			d.MotorsUsed = n
		}
	}
	if err := motorRows.Err(); err != nil {
		return nil, err
	}

	summary := make([]DailySummaryRow, 0, len(order))
	for _, day := range order {
		summary = append(summary, *byDay[day])
	}
	return summary, nil
}

// =============================================================================
// PER-MOTOR SERIES (consumed by the analytics layer)
// =============================================================================

// MotorPeriodStats is the sale count and revenue of one motor in a window.
type MotorPeriodStats struct {
	Count   int     `json:"count"`
	Revenue float64 `json:"revenue"`
}

// MotorStatsSince returns one motor's sale count and revenue from since on.
func (s *Store) MotorStatsSince(ctx context.Context, motorID int, since time.Time) (MotorPeriodStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out MotorPeriodStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(ROUND(SUM(price), 2), 0)
		FROM sales
		WHERE motor_id = ? AND sale_time >= ?`,
		motorID, since.Format(TimeLayout),
	).Scan(&out.Count, &out.Revenue)
	return out, err
}

// MotorSaleTimes returns one motor's sale timestamps from since on,
// ascending. Rows whose stored time fails to parse are skipped.
func (s *Store) MotorSaleTimes(ctx context.Context, motorID int, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_time
		FROM sales
		WHERE motor_id = ? AND sale_time >= ?
		ORDER BY sale_time`,
		motorID, since.Format(TimeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		if t, err := time.ParseInLocation(TimeLayout, ts, time.Local); err == nil {
			times = append(times, t)
		}
	}
	return times, rows.Err()
}

// SaleRow is one vend as shown in motor detail views.
type SaleRow struct {
	MotorID       int     `json:"motor_id"`
	ProductName   string  `json:"product_name"`
	Price         float64 `json:"price"`
	SaleTime      string  `json:"sale_time"`
	PaymentMethod string  `json:"payment_method"`
}

// MotorRecentSales returns one motor's newest sales, capped at limit.
func (s *Store) MotorRecentSales(ctx context.Context, motorID int, limit int) ([]SaleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT motor_id, product_name, price, sale_time, COALESCE(payment_method, 'UNKNOWN')
		FROM sales
		WHERE motor_id = ?
		ORDER BY sale_time DESC
		LIMIT ?`, motorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []SaleRow
	for rows.Next() {
		var r SaleRow
		if err := rows.Scan(&r.MotorID, &r.ProductName, &r.Price, &r.SaleTime, &r.PaymentMethod); err != nil {
			return nil, err
		}
		sales = append(sales, r)
	}
	return sales, rows.Err()
}

/*
Package sqlite provides SQLite-backed persistence for the vending analytics
engine.

PURPOSE:
  Stores the raw event log, the reconstructed transactions with their sales,
  the rolling motor summaries, the brand catalog and the system-status
  watermark ledger. Aggregation queries live in stats.go.

KEY TABLES:
  events:        Append-only machine log, deduplicated on the wire identity
                 (sequence, raw timestamp string); transaction_id is the one
                 mutable column, backfilled once membership is known
  transactions:  Reconstructed customer interactions; at most one row has
                 is_complete = 0
  sales:         One row per physical vend, unique on
                 (motor_id, sale_time, sequence)
  motors:        Rolling per-motor summary recomputed wholesale from sales
  brands:        Lazily created brand catalog, unique on name
  system_status: Upsert-only key/value watermarks

IDEMPOTENCE:
  Every insert checks identity first (or uses INSERT OR IGNORE), so feeding
  the same export twice is a no-op beyond the watermark update. Duplicate
  keys are a success, not an error.

ATOMICITY:
  A transaction header and its sale rows are committed inside one database
  transaction; readers never observe a half-written transaction.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, with WAL mode so readers do not block.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - stats.go: Read-side aggregation queries
  - machine: The persistence-free reconstruction engine
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sleli/tecnotouch/machine"
)

// TimeLayout is the normalized local-time format used for sale and
// transaction times, chosen so SQLite's DATE() works on the stored strings.
// Raw event timestamps keep the machine's own format verbatim instead,
// because they are part of the deduplication identity.
const TimeLayout = "2006-01-02 15:04:05"

// backfillTolerance bounds the nearest-transaction match during link repair.
const backfillTolerance = 5 * time.Minute

// Store implements all persistence for the analytics engine.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Raw machine log (append-only; transaction_id is the one mutable column)
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence TEXT NOT NULL,
		code TEXT,
		kind TEXT NOT NULL,
		wire_type TEXT,
		event_timestamp TEXT NOT NULL,
		text TEXT NOT NULL,
		transaction_id INTEGER,
		created_at TEXT NOT NULL,
		UNIQUE(sequence, event_timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_events_unlinked
		ON events(event_timestamp) WHERE transaction_id IS NULL;

	-- Reconstructed customer interactions
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time TEXT NOT NULL,
		end_time TEXT,
		payment_method TEXT NOT NULL DEFAULT 'UNKNOWN',
		total_paid REAL NOT NULL DEFAULT 0,
		total_change REAL NOT NULL DEFAULT 0,
		net_revenue REAL NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Open-transaction lookup (hot path at every import)
	CREATE INDEX IF NOT EXISTS idx_transactions_incomplete
		ON transactions(is_complete, start_time);
	CREATE INDEX IF NOT EXISTS idx_transactions_start
		ON transactions(start_time);

	-- One row per physical vend
	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		motor_id INTEGER NOT NULL,
		product_name TEXT NOT NULL,
		price REAL NOT NULL,
		sale_time TEXT NOT NULL,
		sequence TEXT NOT NULL,
		transaction_id INTEGER NOT NULL,
		brand_id INTEGER,
		payment_method TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(motor_id, sale_time, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_sales_motor_time
		ON sales(motor_id, sale_time);
	CREATE INDEX IF NOT EXISTS idx_sales_time
		ON sales(sale_time);
	CREATE INDEX IF NOT EXISTS idx_sales_brand
		ON sales(brand_id);

	-- Rolling per-motor summary, recomputed wholesale from sales
	CREATE TABLE IF NOT EXISTS motors (
		motor_id INTEGER PRIMARY KEY,
		product_name TEXT,
		price REAL,
		last_sale_time TEXT,
		total_sales INTEGER NOT NULL DEFAULT 0,
		position TEXT,
		updated_at TEXT NOT NULL
	);

	-- Lazily created brand catalog
	CREATE TABLE IF NOT EXISTS brands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		category TEXT,
		created_at TEXT NOT NULL
	);

	-- Watermark ledger: always overwritten, never historized
	CREATE TABLE IF NOT EXISTS system_status (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT STORE
// =============================================================================

// FilterNewEvents returns the subset of batch whose identity key is not yet
// stored, preserving input order. Nothing is written.
func (s *Store) FilterNewEvents(ctx context.Context, batch []machine.RawEvent) ([]machine.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT sequence, event_timestamp FROM events")
	if err != nil {
		return nil, fmt.Errorf("failed to load event keys: %w", err)
	}
	defer rows.Close()

	existing := make(map[machine.EventKey]struct{})
	for rows.Next() {
		var k machine.EventKey
		if err := rows.Scan(&k.Sequence, &k.Timestamp); err != nil {
			return nil, err
		}
		existing[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fresh []machine.RawEvent
	for _, e := range batch {
		if _, ok := existing[e.Key()]; !ok {
			fresh = append(fresh, e)
		}
	}
	return fresh, nil
}

// PersistEvents inserts events with their resolved transaction link, ignoring
// duplicate-key conflicts. links may be nil; events without an entry keep a
// null transaction_id. Returns the number of rows actually inserted.
func (s *Store) PersistEvents(ctx context.Context, events []machine.RawEvent, links map[machine.EventKey]int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(TimeLayout)
	inserted := 0
	for _, e := range events {
		var txID any
		if id, ok := links[e.Key()]; ok {
			txID = id
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO events
			(sequence, code, kind, wire_type, event_timestamp, text, transaction_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Sequence, e.Code, string(e.Kind), e.Type, e.Timestamp, e.Text, txID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to persist event %s: %w", e.Sequence, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountEvents reports the total number of stored raw events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// =============================================================================
// OPEN TRANSACTION SNAPSHOT
// =============================================================================

// LoadOpenTransaction returns the most-recently-started incomplete
// transaction as a reconstructor snapshot, or nil when every transaction is
// closed. The snapshot carries the persisted sale count and payment method
// so a later batch can finalize the transaction without losing anything.
func (s *Store) LoadOpenTransaction(ctx context.Context) (*machine.OpenTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		id       int64
		startStr string
		method   string
		paid     float64
		change   float64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, start_time, payment_method, total_paid, total_change
		FROM transactions
		WHERE is_complete = 0
		ORDER BY start_time DESC
		LIMIT 1`,
	).Scan(&id, &startStr, &method, &paid, &change)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open transaction: %w", err)
	}

	var saleCount int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sales WHERE transaction_id = ?", id,
	).Scan(&saleCount); err != nil {
		return nil, err
	}

	start, _ := time.ParseInLocation(TimeLayout, startStr, time.Local)
	return &machine.OpenTransaction{
		ID:             id,
		StartTime:      start,
		LastEventTime:  start,
		PaymentMethod:  machine.PaymentMethod(method),
		TotalPaid:      decimal.NewFromFloat(paid),
		TotalChange:    decimal.NewFromFloat(change),
		PersistedSales: saleCount,
	}, nil
}

// =============================================================================
// RECONSTRUCTION COMMIT
// =============================================================================

// CommitStats summarizes one reconstruction commit.
type CommitStats struct {
	Finalized int // transactions closed in this batch
	NewSales  int // sale rows actually inserted
}

// CommitReconstruction persists the outcome of one reconstruction pass
// atomically: finalized transaction headers with their sale rows, plus the
// eager persistence (or incremental update) of the still-open transaction so
// its accumulated state survives a restart. It returns the mapping from
// member event keys to resolved transaction ids, for PersistEvents.
//
// Sale inserts are guarded by the (motor_id, sale_time, sequence) identity,
// so re-committing the same batch inserts nothing.
func (s *Store) CommitReconstruction(ctx context.Context, res machine.Result) (CommitStats, map[machine.EventKey]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats CommitStats
	links := make(map[machine.EventKey]int64)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(TimeLayout)

	for _, fin := range res.Finalized {
		id := fin.ID
		if id != 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE transactions
				SET end_time = ?, payment_method = ?, total_paid = ?,
				    total_change = ?, net_revenue = ?, is_complete = 1
				WHERE id = ?`,
				fin.EndTime.Format(TimeLayout), string(fin.PaymentMethod),
				fin.TotalPaid.String(), fin.TotalChange.String(),
				fin.NetRevenue.String(), id,
			)
			if err != nil {
				return stats, nil, fmt.Errorf("failed to finalize transaction %d: %w", id, err)
			}
			// Sales eager-persisted before the payment arrived still carry
			// the method recorded back then; align them with the final one.
			_, err = tx.ExecContext(ctx,
				"UPDATE sales SET payment_method = ? WHERE transaction_id = ?",
				string(fin.PaymentMethod), id,
			)
			if err != nil {
				return stats, nil, fmt.Errorf("failed to update sales for transaction %d: %w", id, err)
			}
		} else {
			r, err := tx.ExecContext(ctx, `
				INSERT INTO transactions
				(start_time, end_time, payment_method, total_paid, total_change, net_revenue, is_complete, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
				fin.StartTime.Format(TimeLayout), fin.EndTime.Format(TimeLayout),
				string(fin.PaymentMethod), fin.TotalPaid.String(),
				fin.TotalChange.String(), fin.NetRevenue.String(), now,
			)
			if err != nil {
				return stats, nil, fmt.Errorf("failed to insert transaction: %w", err)
			}
			id, err = r.LastInsertId()
			if err != nil {
				return stats, nil, err
			}
		}

		n, err := insertSalesTx(ctx, tx, id, string(fin.PaymentMethod), fin.Sales, now)
		if err != nil {
			return stats, nil, err
		}
		stats.NewSales += n
		stats.Finalized++

		for _, key := range fin.Events {
			links[key] = id
		}
	}

	if open := res.Open; open != nil {
		switch {
		case open.ID == 0 && len(open.Sales) > 0:
			// A new open transaction that already dispensed is persisted as
			// incomplete so the sales survive a restart. A later batch
			// reopens it and eventually finalizes it.
			r, err := tx.ExecContext(ctx, `
				INSERT INTO transactions
				(start_time, payment_method, total_paid, total_change, net_revenue, is_complete, created_at)
				VALUES (?, ?, ?, ?, ?, 0, ?)`,
				open.StartTime.Format(TimeLayout), string(open.PaymentMethod),
				open.TotalPaid.String(), open.TotalChange.String(),
				open.NetRevenue().String(), now,
			)
			if err != nil {
				return stats, nil, fmt.Errorf("failed to persist open transaction: %w", err)
			}
			id, err := r.LastInsertId()
			if err != nil {
				return stats, nil, err
			}
			open.ID = id

			n, err := insertSalesTx(ctx, tx, id, string(open.PaymentMethod), open.Sales, now)
			if err != nil {
				return stats, nil, err
			}
			stats.NewSales += n
			for _, key := range open.Events {
				links[key] = id
			}

		case open.ID != 0 && (len(open.Sales) > 0 || len(open.Events) > 0):
			// A carry-over transaction that accumulated more in this batch:
			// fold the new state into its incomplete header so the next
			// snapshot load sees it.
			_, err := tx.ExecContext(ctx, `
				UPDATE transactions
				SET payment_method = ?, total_paid = ?, total_change = ?, net_revenue = ?
				WHERE id = ? AND is_complete = 0`,
				string(open.PaymentMethod), open.TotalPaid.String(),
				open.TotalChange.String(), open.NetRevenue().String(), open.ID,
			)
			if err != nil {
				return stats, nil, fmt.Errorf("failed to update open transaction %d: %w", open.ID, err)
			}
			n, err := insertSalesTx(ctx, tx, open.ID, string(open.PaymentMethod), open.Sales, now)
			if err != nil {
				return stats, nil, err
			}
			stats.NewSales += n
			for _, key := range open.Events {
				links[key] = open.ID
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, nil, err
	}
	return stats, links, nil
}

// insertSalesTx inserts sale rows for one transaction, skipping rows whose
// identity key already exists. Brand rows are created on first use.
func insertSalesTx(ctx context.Context, tx *sql.Tx, txID int64, method string, sales []machine.SaleFact, now string) (int, error) {
	inserted := 0
	for _, sale := range sales {
		saleTime := sale.Time.Format(TimeLayout)

		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sales
			WHERE motor_id = ? AND sale_time = ? AND sequence = ?`,
			sale.MotorID, saleTime, sale.Sequence,
		).Scan(&count)
		if err != nil {
			return inserted, err
		}
		if count > 0 {
			continue
		}

		brandID, err := getOrCreateBrand(ctx, tx, machine.ResolveBrand(sale.Product), now)
		if err != nil {
			return inserted, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales
			(motor_id, product_name, price, sale_time, sequence, transaction_id, brand_id, payment_method, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sale.MotorID, sale.Product, sale.Price.String(), saleTime,
			sale.Sequence, txID, brandID, method, now,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert sale (motor %d): %w", sale.MotorID, err)
		}
		inserted++
	}
	return inserted, nil
}

// =============================================================================
// BRANDS
// =============================================================================

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOrCreateBrand(ctx context.Context, db execQueryer, name, now string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, "SELECT id FROM brands WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	r, err := db.ExecContext(ctx,
		"INSERT INTO brands (name, category, created_at) VALUES (?, ?, ?)",
		name, machine.DefaultBrandCategory, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create brand %q: %w", name, err)
	}
	return r.LastInsertId()
}

// GetOrCreateBrand resolves a brand row by name, creating it on first use.
func (s *Store) GetOrCreateBrand(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrCreateBrand(ctx, s.db, name, time.Now().Format(TimeLayout))
}

// UpdateMissingBrands assigns brand ids to sale rows imported before brand
// resolution existed. Returns the number of rows updated.
func (s *Store) UpdateMissingBrands(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, product_name FROM sales WHERE brand_id IS NULL")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pending struct {
		id      int64
		product string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.product); err != nil {
			return 0, err
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().Format(TimeLayout)
	for _, p := range todo {
		brandID, err := getOrCreateBrand(ctx, tx, machine.ResolveBrand(p.product), now)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE sales SET brand_id = ? WHERE id = ?", brandID, p.id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(todo), nil
}

// =============================================================================
// MOTOR SUMMARY
// =============================================================================

// Motor is the rolling per-motor summary row.
type Motor struct {
	MotorID      int
	ProductName  string
	Price        float64
	LastSaleTime *time.Time
	TotalSales   int
	Position     string
}

// RefreshMotorStats recomputes the motors table wholesale from sales.
// Called after any import that finalized at least one transaction.
func (s *Store) RefreshMotorStats(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT motor_id, product_name, price,
		       MAX(sale_time) AS last_sale,
		       COUNT(*) AS total_sales
		FROM sales
		GROUP BY motor_id`)
	if err != nil {
		return fmt.Errorf("failed to aggregate motor stats: %w", err)
	}
	defer rows.Close()

	type motorRow struct {
		id       int
		product  string
		price    float64
		lastSale string
		total    int
	}
	var motors []motorRow
	for rows.Next() {
		var m motorRow
		if err := rows.Scan(&m.id, &m.product, &m.price, &m.lastSale, &m.total); err != nil {
			return err
		}
		motors = append(motors, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	now := time.Now().Format(TimeLayout)
	for _, m := range motors {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO motors (motor_id, product_name, price, last_sale_time, total_sales, position, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(motor_id) DO UPDATE SET
				product_name = excluded.product_name,
				price = excluded.price,
				last_sale_time = excluded.last_sale_time,
				total_sales = excluded.total_sales,
				updated_at = excluded.updated_at`,
			m.id, m.product, m.price, m.lastSale, m.total,
			fmt.Sprintf("M%d", m.id), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert motor %d: %w", m.id, err)
		}
	}
	return nil
}

// ListMotors returns all motor summaries ordered by motor id.
func (s *Store) ListMotors(ctx context.Context) ([]Motor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT motor_id, product_name, price, last_sale_time, total_sales, position
		FROM motors
		ORDER BY motor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var motors []Motor
	for rows.Next() {
		m, err := scanMotor(rows)
		if err != nil {
			return nil, err
		}
		motors = append(motors, m)
	}
	return motors, rows.Err()
}

// GetMotor returns one motor summary. A missing row yields
// machine.ErrMotorNotFound, distinct from a motor that exists but is idle.
func (s *Store) GetMotor(ctx context.Context, motorID int) (*Motor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT motor_id, product_name, price, last_sale_time, total_sales, position
		FROM motors
		WHERE motor_id = ?`, motorID)

	m, err := scanMotor(row)
	if err == sql.ErrNoRows {
		return nil, machine.ErrMotorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMotor(r rowScanner) (Motor, error) {
	var (
		m        Motor
		product  sql.NullString
		price    sql.NullFloat64
		lastSale sql.NullString
		position sql.NullString
	)
	err := r.Scan(&m.MotorID, &product, &price, &lastSale, &m.TotalSales, &position)
	if err != nil {
		return m, err
	}
	m.ProductName = product.String
	m.Price = price.Float64
	m.Position = position.String
	if lastSale.Valid {
		if t, err := time.ParseInLocation(TimeLayout, lastSale.String, time.Local); err == nil {
			m.LastSaleTime = &t
		}
	}
	return m, nil
}

// MotorIDs returns every known motor id, ascending.
func (s *Store) MotorIDs(ctx context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT motor_id FROM motors ORDER BY motor_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// SYSTEM STATUS - watermarks
// =============================================================================

// Watermark keys persisted in system_status.
const (
	StatusLastDownload  = "last_download"   // last successful sync check
	StatusLastEventDate = "last_event_date" // most recent observed sale time
	StatusMachineIP     = "machine_ip"      // last-used source address
)

// StatusEntry is one watermark row.
type StatusEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// SetStatus upserts a watermark. Watermarks are overwritten, never historized.
func (s *Store) SetStatus(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_status (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().Format(TimeLayout),
	)
	return err
}

// GetStatus returns a watermark, or nil when the key was never written.
func (s *Store) GetStatus(ctx context.Context, key string) (*StatusEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		entry   StatusEntry
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, updated_at FROM system_status WHERE key = ?", key,
	).Scan(&entry.Key, &entry.Value, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.UpdatedAt, _ = time.ParseInLocation(TimeLayout, updated, time.Local)
	return &entry, nil
}

// LastSaleTimeOverall returns MAX(sale_time), or nil with no sales stored.
func (s *Store) LastSaleTimeOverall(ctx context.Context) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(sale_time) FROM sales").Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.String, nil
}

// =============================================================================
// BACKFILL - retroactive event-to-transaction linking
// =============================================================================

// BackfillTransactionLinks repairs events persisted with a null transaction
// link: data imported before linking existed, or members of a transaction
// finalized in a different batch. It walks unlinked events chronologically;
// at each start-marker event it picks the transaction whose start time is
// nearest within a 5-minute tolerance and attaches all subsequent events to
// it until the next marker.
//
// This is best-effort reconciliation. Two transactions starting inside the
// tolerance window can be mis-associated, so it runs only on explicit
// request, never as part of an import. Returns the number of events linked.
func (s *Store) BackfillTransactionLinks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_timestamp, text
		FROM events
		WHERE transaction_id IS NULL`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type unlinked struct {
		id   int64
		at   time.Time
		text string
	}
	var events []unlinked
	for rows.Next() {
		var (
			u  unlinked
			ts string
		)
		if err := rows.Scan(&u.id, &ts, &u.text); err != nil {
			return 0, err
		}
		at, err := time.ParseInLocation(machine.EventTimeLayout, ts, time.Local)
		if err != nil {
			// unparseable timestamps cannot be ordered, leave them unlinked
			continue
		}
		u.at = at
		events = append(events, u)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	sort.Slice(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

	txRows, err := s.db.QueryContext(ctx, "SELECT id, start_time FROM transactions ORDER BY start_time")
	if err != nil {
		return 0, err
	}
	defer txRows.Close()

	type txHeader struct {
		id    int64
		start time.Time
	}
	var headers []txHeader
	for txRows.Next() {
		var (
			h  txHeader
			ts string
		)
		if err := txRows.Scan(&h.id, &ts); err != nil {
			return 0, err
		}
		start, err := time.ParseInLocation(TimeLayout, ts, time.Local)
		if err != nil {
			continue
		}
		h.start = start
		headers = append(headers, h)
	}
	if err := txRows.Err(); err != nil {
		return 0, err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	var currentTxID int64
	linked := 0
	for _, e := range events {
		if machine.HasStartMarker(e.text) {
			currentTxID = 0
			best := backfillTolerance
			for _, h := range headers {
				diff := e.at.Sub(h.start)
				if diff < 0 {
					diff = -diff
				}
				if diff < best {
					best = diff
					currentTxID = h.id
				}
			}
		}

		if currentTxID != 0 {
			if _, err := dbTx.ExecContext(ctx,
				"UPDATE events SET transaction_id = ? WHERE id = ?", currentTxID, e.id,
			); err != nil {
				return 0, err
			}
			linked++
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, err
	}
	return linked, nil
}

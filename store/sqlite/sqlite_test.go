package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleli/tecnotouch/machine"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func rawEvent(seq, wireType, timestamp, text string) machine.RawEvent {
	e := machine.RawEvent{
		Sequence:  seq,
		Type:      wireType,
		Timestamp: timestamp,
		Text:      text,
	}
	e.Kind = machine.DecodeKind(wireType)
	return e
}

func saleFact(motorID int, product, price string, at time.Time, seq string) machine.SaleFact {
	return machine.SaleFact{
		MotorID:  motorID,
		Product:  product,
		Price:    decimal.RequireFromString(price),
		Time:     at,
		Sequence: seq,
	}
}

func finalized(start time.Time, method machine.PaymentMethod, paid string, sales ...machine.SaleFact) machine.FinalizedTransaction {
	p := decimal.RequireFromString(paid)
	return machine.FinalizedTransaction{
		StartTime:     start,
		EndTime:       start.Add(30 * time.Second),
		PaymentMethod: method,
		TotalPaid:     p,
		TotalChange:   decimal.Zero,
		NetRevenue:    p,
		Sales:         sales,
	}
}

// =============================================================================
// EVENT DEDUPLICATION
// =============================================================================

func TestPersistEvents_DuplicatesIgnored(t *testing.T) {
	// GIVEN: A batch persisted once
	// WHEN: The same batch arrives again (overlapping re-export)
	// THEN: Nothing is inserted the second time
	store := newTestStore(t)
	ctx := context.Background()

	batch := []machine.RawEvent{
		rawEvent("100", "EVENTO", "17/09/25 19:14:15", "IMPRONTA VALIDA"),
		rawEvent("101", "MONETA", "17/09/25 19:14:20", "MONETA: 2.00 euro --- CREDITO: 2.00 euro"),
	}

	inserted, err := store.PersistEvents(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = store.PersistEvents(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFilterNewEvents_PreservesOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := rawEvent("100", "EVENTO", "17/09/25 19:14:15", "IMPRONTA VALIDA")
	_, err := store.PersistEvents(ctx, []machine.RawEvent{first}, nil)
	require.NoError(t, err)

	batch := []machine.RawEvent{
		first, // already stored
		rawEvent("101", "MONETA", "17/09/25 19:14:20", "MONETA: 2.00 euro --- CREDITO: 2.00 euro"),
		rawEvent("102", "RESTO", "17/09/25 19:14:25", "0.50 euro"),
	}

	fresh, err := store.FilterNewEvents(ctx, batch)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	assert.Equal(t, "101", fresh[0].Sequence)
	assert.Equal(t, "102", fresh[1].Sequence)
}

func TestFilterNewEvents_SameSequenceDifferentTimestampIsNew(t *testing.T) {
	// Sequence numbers are not globally monotonic; only the pair identifies.
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.PersistEvents(ctx, []machine.RawEvent{
		rawEvent("100", "EVENTO", "17/09/25 19:14:15", "IMPRONTA VALIDA"),
	}, nil)
	require.NoError(t, err)

	fresh, err := store.FilterNewEvents(ctx, []machine.RawEvent{
		rawEvent("100", "EVENTO", "18/09/25 09:00:00", "IMPRONTA VALIDA"),
	})
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

// =============================================================================
// RECONSTRUCTION COMMIT
// =============================================================================

func TestCommitReconstruction_FinalizedTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	fin := finalized(start, machine.PaymentPOS, "6.20",
		saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start.Add(8*time.Second), "3972"))
	fin.Events = []machine.EventKey{
		{Sequence: "3970", Timestamp: "17/09/25 19:14:15"},
		{Sequence: "3972", Timestamp: "17/09/25 19:14:23"},
	}

	stats, links, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{fin},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Finalized)
	assert.Equal(t, 1, stats.NewSales)
	assert.Len(t, links, 2, "every member event maps to the transaction id")

	list, err := store.ListTransactions(ctx, sqlite.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsComplete)
	assert.Equal(t, "POS", list[0].PaymentMethod)
	assert.InDelta(t, 6.20, list[0].NetRevenue, 0.001)
	assert.Equal(t, 1, list[0].SaleCount)
	assert.Equal(t, []string{"MARLBORO GOLD TOUCH KS"}, list[0].Products)
}

func TestCommitReconstruction_DuplicateSaleSkipped(t *testing.T) {
	// GIVEN: A sale already stored by an earlier commit
	// WHEN: Another transaction carries the same sale identity
	// THEN: The union contains it once
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	sale := saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "3972")

	_, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{finalized(start, machine.PaymentPOS, "6.20", sale)},
	})
	require.NoError(t, err)

	stats, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{finalized(start.Add(time.Hour), machine.PaymentCash, "6.20", sale)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NewSales)
}

func TestCommitReconstruction_EagerPersistOfOpenTransaction(t *testing.T) {
	// GIVEN: A batch ends with an open transaction that already dispensed
	// THEN: It is stored incomplete and comes back as the next snapshot
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	open := &machine.OpenTransaction{
		StartTime:     start,
		LastEventTime: start.Add(8 * time.Second),
		PaymentMethod: machine.PaymentPOS,
		TotalPaid:     decimal.RequireFromString("6.20"),
		TotalChange:   decimal.Zero,
		Sales:         []machine.SaleFact{saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "3972")},
		Events:        []machine.EventKey{{Sequence: "3970", Timestamp: "17/09/25 19:14:15"}},
	}

	stats, links, err := store.CommitReconstruction(ctx, machine.Result{Open: open})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Finalized)
	assert.Equal(t, 1, stats.NewSales)
	assert.NotZero(t, open.ID)
	assert.Len(t, links, 1)

	snapshot, err := store.LoadOpenTransaction(ctx)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, open.ID, snapshot.ID)
	assert.Equal(t, machine.PaymentPOS, snapshot.PaymentMethod)
	assert.Equal(t, 1, snapshot.PersistedSales)
	assert.Equal(t, start, snapshot.StartTime)
}

func TestCommitReconstruction_ZeroSaleOpenNotPersisted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	open := &machine.OpenTransaction{
		StartTime:     time.Now(),
		PaymentMethod: machine.PaymentUnknown,
		Events:        []machine.EventKey{{Sequence: "1", Timestamp: "17/09/25 19:14:15"}},
	}

	_, links, err := store.CommitReconstruction(ctx, machine.Result{Open: open})
	require.NoError(t, err)
	assert.Zero(t, open.ID)
	assert.Empty(t, links)

	snapshot, err := store.LoadOpenTransaction(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestCommitReconstruction_FinalizesCarryOver(t *testing.T) {
	// GIVEN: An incomplete transaction persisted by an earlier batch
	// WHEN: A later batch finalizes it
	// THEN: The same row flips to complete, no second header appears
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	open := &machine.OpenTransaction{
		StartTime:     start,
		PaymentMethod: machine.PaymentPOS,
		TotalPaid:     decimal.RequireFromString("6.20"),
		TotalChange:   decimal.Zero,
		Sales:         []machine.SaleFact{saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "3972")},
	}
	_, _, err := store.CommitReconstruction(ctx, machine.Result{Open: open})
	require.NoError(t, err)

	fin := machine.FinalizedTransaction{
		ID:            open.ID,
		StartTime:     start,
		EndTime:       start.Add(time.Minute),
		PaymentMethod: machine.PaymentPOS,
		TotalPaid:     decimal.RequireFromString("6.20"),
		TotalChange:   decimal.Zero,
		NetRevenue:    decimal.RequireFromString("6.20"),
	}
	stats, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{fin},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Finalized)

	list, err := store.ListTransactions(ctx, sqlite.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1, "carry-over reuses its header row")
	assert.True(t, list[0].IsComplete)

	snapshot, err := store.LoadOpenTransaction(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestCommitReconstruction_FinalizeRefreshesSaleMethods(t *testing.T) {
	// GIVEN: An open transaction eager-persisted before any payment event,
	//        so its sale row carries UNKNOWN
	// WHEN: A later batch finalizes it as POS
	// THEN: The persisted sale row reports POS too
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	open := &machine.OpenTransaction{
		StartTime:     start,
		PaymentMethod: machine.PaymentUnknown,
		Sales:         []machine.SaleFact{saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "3972")},
	}
	_, _, err := store.CommitReconstruction(ctx, machine.Result{Open: open})
	require.NoError(t, err)

	sales, err := store.MotorRecentSales(ctx, 80, 1)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	require.Equal(t, "UNKNOWN", sales[0].PaymentMethod)

	fin := machine.FinalizedTransaction{
		ID:            open.ID,
		StartTime:     start,
		EndTime:       start.Add(time.Minute),
		PaymentMethod: machine.PaymentPOS,
		TotalPaid:     decimal.RequireFromString("6.20"),
		TotalChange:   decimal.Zero,
		NetRevenue:    decimal.RequireFromString("6.20"),
	}
	_, _, err = store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{fin},
	})
	require.NoError(t, err)

	sales, err = store.MotorRecentSales(ctx, 80, 1)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "POS", sales[0].PaymentMethod)
}

// =============================================================================
// MOTORS
// =============================================================================

func TestRefreshMotorStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 10, 0, 0, 0, time.Local)
	_, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{
			finalized(start, machine.PaymentCash, "11.70",
				saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "1"),
				saleFact(12, "CAMEL BLU KS", "5.50", start.Add(time.Minute), "2")),
			finalized(start.Add(time.Hour), machine.PaymentPOS, "6.20",
				saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start.Add(time.Hour), "3")),
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.RefreshMotorStats(ctx))

	motors, err := store.ListMotors(ctx)
	require.NoError(t, err)
	require.Len(t, motors, 2)

	m80, err := store.GetMotor(ctx, 80)
	require.NoError(t, err)
	assert.Equal(t, 2, m80.TotalSales)
	assert.Equal(t, "MARLBORO GOLD TOUCH KS", m80.ProductName)
	require.NotNil(t, m80.LastSaleTime)
	assert.Equal(t, start.Add(time.Hour), *m80.LastSaleTime)
}

func TestGetMotor_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetMotor(context.Background(), 999)
	assert.ErrorIs(t, err, machine.ErrMotorNotFound)
}

// =============================================================================
// SYSTEM STATUS
// =============================================================================

func TestSetStatus_Upserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, sqlite.StatusMachineIP, "192.168.1.61"))
	require.NoError(t, store.SetStatus(ctx, sqlite.StatusMachineIP, "192.168.1.99"))

	entry, err := store.GetStatus(ctx, sqlite.StatusMachineIP)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "192.168.1.99", entry.Value)
}

func TestGetStatus_MissingKeyIsNil(t *testing.T) {
	store := newTestStore(t)

	entry, err := store.GetStatus(context.Background(), "never_written")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// =============================================================================
// BRANDS
// =============================================================================

func TestGetOrCreateBrand_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.GetOrCreateBrand(ctx, "MARLBORO")
	require.NoError(t, err)
	id2, err := store.GetOrCreateBrand(ctx, "MARLBORO")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := store.GetOrCreateBrand(ctx, "CAMEL")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

// =============================================================================
// BACKFILL
// =============================================================================

func TestBackfillTransactionLinks(t *testing.T) {
	// GIVEN: A stored transaction and events persisted without a link
	// WHEN: Backfill runs
	// THEN: The start marker matches the nearest transaction within 5
	//       minutes and drags its followers along
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 14, 15, 0, time.Local)
	_, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{
			finalized(start, machine.PaymentPOS, "6.20",
				saleFact(80, "MARLBORO GOLD TOUCH KS", "6.20", start, "3972")),
		},
	})
	require.NoError(t, err)

	_, err = store.PersistEvents(ctx, []machine.RawEvent{
		rawEvent("3970", "EVENTO", "17/09/25 19:14:15", "IMPRONTA VALIDA"),
		rawEvent("3971", "POS", "17/09/25 19:14:20", "CREDITO POS: 6.20 euro --- CREDITO: 6.20 euro"),
	}, nil)
	require.NoError(t, err)

	linked, err := store.BackfillTransactionLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, linked)

	// A second run finds nothing left to repair.
	linked, err = store.BackfillTransactionLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, linked)
}

func TestBackfillTransactionLinks_OutsideToleranceStaysUnlinked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2025, time.September, 17, 19, 0, 0, 0, time.Local)
	_, _, err := store.CommitReconstruction(ctx, machine.Result{
		Finalized: []machine.FinalizedTransaction{
			finalized(start, machine.PaymentCash, "5.50",
				saleFact(12, "CAMEL BLU KS", "5.50", start, "1")),
		},
	})
	require.NoError(t, err)

	// Start marker ten minutes away from every known transaction.
	_, err = store.PersistEvents(ctx, []machine.RawEvent{
		rawEvent("9000", "EVENTO", "17/09/25 19:10:00", "IMPRONTA VALIDA"),
	}, nil)
	require.NoError(t, err)

	linked, err := store.BackfillTransactionLinks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, linked)
}

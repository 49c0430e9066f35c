/*
Package pipeline orchestrates one import run end to end.

PURPOSE:
  Glues the persistence-free reconstruction engine to the store:

    normalize -> dedup filter -> load open snapshot -> reconstruct
              -> commit atomically -> persist raw events -> refresh motors
              -> advance watermarks

  The same export can be fed any number of times; every write underneath is
  identity-guarded, so a re-import changes nothing but the last_download
  watermark.

SINGLE FLIGHT:
  At most one import runs at a time. A second caller gets
  machine.ErrImportBusy immediately instead of queueing, because the two
  runs would reconstruct from the same open-transaction snapshot.

SEE ALSO:
  - machine: Reconstruct and the open-transaction snapshot
  - store/sqlite: All writes performed here
*/
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sleli/tecnotouch/logger"
	"github.com/sleli/tecnotouch/machine"
	"github.com/sleli/tecnotouch/metrics"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// Summary reports what one import run changed.
type Summary struct {
	TotalEvents           int  `json:"total_events"`
	NewEvents             int  `json:"new_events"`
	NewSales              int  `json:"new_sales"`
	FinalizedTransactions int  `json:"finalized_transactions"`
	OpenCarried           bool `json:"open_carried"`
}

// Importer runs import passes against one store.
type Importer struct {
	store *sqlite.Store
	mu    sync.Mutex
}

// New returns an Importer bound to store.
func New(store *sqlite.Store) *Importer {
	return &Importer{store: store}
}

// Import ingests one event batch. The batch must be in the machine's export
// order (chronological). Duplicate events are filtered before reconstruction,
// so reconstruction only ever sees genuinely new history.
//
// Returns machine.ErrImportBusy when another run is in flight.
func (i *Importer) Import(ctx context.Context, batch []machine.RawEvent) (Summary, error) {
	if !i.mu.TryLock() {
		return Summary{}, machine.ErrImportBusy
	}
	defer i.mu.Unlock()

	log := logger.FromContext(ctx)
	summary := Summary{TotalEvents: len(batch)}

	machine.Normalize(batch)

	fresh, err := i.store.FilterNewEvents(ctx, batch)
	if err != nil {
		return summary, err
	}
	summary.NewEvents = len(fresh)

	if len(fresh) > 0 {
		prior, err := i.store.LoadOpenTransaction(ctx)
		if err != nil {
			return summary, err
		}

		res := machine.Reconstruct(prior, fresh, time.Now())

		stats, links, err := i.store.CommitReconstruction(ctx, res)
		if err != nil {
			return summary, err
		}
		summary.NewSales = stats.NewSales
		summary.FinalizedTransactions = stats.Finalized
		summary.OpenCarried = res.Open != nil

		inserted, err := i.store.PersistEvents(ctx, fresh, links)
		if err != nil {
			return summary, err
		}

		metrics.EventsImported.Add(float64(inserted))
		metrics.SalesRecorded.Add(float64(stats.NewSales))
		metrics.TransactionsFinalized.Add(float64(stats.Finalized))

		if stats.NewSales > 0 || stats.Finalized > 0 {
			if err := i.store.RefreshMotorStats(ctx); err != nil {
				return summary, err
			}
		}
	}

	if err := i.advanceWatermarks(ctx); err != nil {
		return summary, err
	}

	log.Info().
		Int("total_events", summary.TotalEvents).
		Int("new_events", summary.NewEvents).
		Int("new_sales", summary.NewSales).
		Int("finalized", summary.FinalizedTransactions).
		Bool("open_carried", summary.OpenCarried).
		Msg("import completed")
	return summary, nil
}

// advanceWatermarks records the sync check and the newest observed sale
// time. last_download moves on every run, including no-op ones: it means
// "we checked", not "we found something".
func (i *Importer) advanceWatermarks(ctx context.Context) error {
	now := time.Now().Format(sqlite.TimeLayout)
	if err := i.store.SetStatus(ctx, sqlite.StatusLastDownload, now); err != nil {
		return err
	}

	last, err := i.store.LastSaleTimeOverall(ctx)
	if err != nil {
		return err
	}
	if last != nil {
		return i.store.SetStatus(ctx, sqlite.StatusLastEventDate, *last)
	}
	return nil
}

// Backfill repairs null event-to-transaction links. Explicit trigger only;
// shares the single-flight guard with Import so the two never interleave.
func (i *Importer) Backfill(ctx context.Context) (int, error) {
	if !i.mu.TryLock() {
		return 0, machine.ErrImportBusy
	}
	defer i.mu.Unlock()

	linked, err := i.store.BackfillTransactionLinks(ctx)
	if err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Info().Int("linked", linked).Msg("backfill completed")
	return linked, nil
}

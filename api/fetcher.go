/*
fetcher.go - The machine download manager

PURPOSE:
  Runs one full download-and-import cycle against the machine in the
  background: login, query the event window, always exit programming mode,
  then feed the batch through the import pipeline. Progress is broadcast
  over SSE so the frontend can follow along.

CONSTRAINTS:
  - One run at a time. A second trigger is refused with ErrImportBusy, not
    queued: the machine panel cannot serve two sessions anyway.
  - A hard timeout caps the whole run. The machine's panel sometimes stops
    answering mid-download; without the cap the busy flag would stick.
  - ExitProgramming runs even on failure, because a machine left in
    programming mode refuses vends.

SEE ALSO:
  - client: The panel protocol
  - pipeline: The import itself
  - sse.go: Progress broadcasting
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sleli/tecnotouch/analytics"
	"github.com/sleli/tecnotouch/client"
	"github.com/sleli/tecnotouch/logger"
	"github.com/sleli/tecnotouch/machine"
	"github.com/sleli/tecnotouch/metrics"
	"github.com/sleli/tecnotouch/pipeline"
	"github.com/sleli/tecnotouch/store/sqlite"
)

// Fetch run outcomes, also used as the metrics label.
const (
	OutcomeOK      = "ok"
	OutcomeNoData  = "no_data"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// FetchRun is the record of one download cycle.
type FetchRun struct {
	ID         string            `json:"id"`
	StartedAt  string            `json:"started_at"`
	FinishedAt *string           `json:"finished_at"`
	Outcome    string            `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Summary    *pipeline.Summary `json:"summary,omitempty"`
}

// Fetcher owns the single-flight download state.
type Fetcher struct {
	machine   *client.Client
	importer  *pipeline.Importer
	analytics *analytics.Service
	store     *sqlite.Store
	broker    *Broker
	log       zerolog.Logger

	hardTimeout time.Duration
	machineIP   string

	mu      sync.Mutex
	running bool
	lastRun *FetchRun
}

// NewFetcher wires the download manager.
func NewFetcher(mc *client.Client, imp *pipeline.Importer, an *analytics.Service,
	store *sqlite.Store, broker *Broker, log zerolog.Logger,
	hardTimeout time.Duration, machineIP string) *Fetcher {
	return &Fetcher{
		machine:     mc,
		importer:    imp,
		analytics:   an,
		store:       store,
		broker:      broker,
		log:         log,
		hardTimeout: hardTimeout,
		machineIP:   machineIP,
	}
}

// Status returns the busy flag and a copy of the last run. The copy matters:
// the run record keeps mutating in the background until the cycle finishes.
func (f *Fetcher) Status() (bool, *FetchRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRun == nil {
		return f.running, nil
	}
	run := *f.lastRun
	return f.running, &run
}

// Start begins a download of the [from, to] window in the background and
// returns the run id. Returns machine.ErrImportBusy when a run is already
// in flight.
func (f *Fetcher) Start(from, to time.Time) (string, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		metrics.FetchRuns.WithLabelValues("busy").Inc()
		return "", machine.ErrImportBusy
	}
	f.running = true
	run := &FetchRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().Format(sqlite.TimeLayout),
	}
	f.lastRun = run
	f.mu.Unlock()

	go f.run(run, from, to)
	return run.ID, nil
}

// run executes one cycle under the hard timeout. It never uses the request
// context: the download must outlive the HTTP call that triggered it.
func (f *Fetcher) run(run *FetchRun, from, to time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), f.hardTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, f.log)

	summary, err := f.cycle(ctx, run, from, to)

	outcome := OutcomeOK
	switch {
	case errors.Is(err, machine.ErrNoEvents):
		outcome, err = OutcomeNoData, nil
	case errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
	case err != nil:
		outcome = OutcomeError
	}

	finished := time.Now().Format(sqlite.TimeLayout)

	f.mu.Lock()
	run.FinishedAt = &finished
	run.Outcome = outcome
	if err != nil {
		run.Error = err.Error()
	}
	if summary != nil {
		run.Summary = summary
	}
	f.running = false
	f.mu.Unlock()

	metrics.FetchRuns.WithLabelValues(outcome).Inc()
	if err != nil {
		f.log.Error().Err(err).Str("run_id", run.ID).Str("outcome", outcome).Msg("fetch run failed")
		f.publish(run.ID, "error", err.Error())
		return
	}
	f.log.Info().Str("run_id", run.ID).Str("outcome", outcome).Msg("fetch run finished")
	f.publish(run.ID, "done", fmt.Sprintf("outcome: %s", outcome))
}

func (f *Fetcher) cycle(ctx context.Context, run *FetchRun, from, to time.Time) (*pipeline.Summary, error) {
	f.publish(run.ID, "login", "logging in to machine panel")
	if err := f.machine.Login(ctx); err != nil {
		return nil, err
	}

	f.publish(run.ID, "download", fmt.Sprintf("downloading events %s to %s",
		from.Format("2006-01-02"), to.Format("2006-01-02")))
	events, fetchErr := f.machine.FetchEvents(ctx, from, to)

	// Leave programming mode regardless of the fetch outcome. Use a short
	// fresh context in case the hard timeout already fired.
	exitCtx, exitCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := f.machine.ExitProgramming(exitCtx); err != nil {
		f.log.Warn().Err(err).Msg("failed to exit programming mode")
	}
	exitCancel()

	if fetchErr != nil {
		return nil, fetchErr
	}

	f.publish(run.ID, "import", fmt.Sprintf("importing %d events", len(events)))
	summary, err := f.importer.Import(ctx, events)
	if err != nil {
		return nil, err
	}

	if err := f.store.SetStatus(ctx, sqlite.StatusMachineIP, f.machineIP); err != nil {
		return nil, err
	}
	if summary.NewSales > 0 || summary.FinalizedTransactions > 0 {
		f.analytics.FlushCache()
	}
	return &summary, nil
}

func (f *Fetcher) publish(runID, stage, message string) {
	f.broker.Publish(ProgressEvent{
		RunID:   runID,
		Stage:   stage,
		Message: message,
		At:      time.Now().Format(sqlite.TimeLayout),
	})
}

/*
scheduler.go - Automated fetch scheduler

PURPOSE:
  Periodically triggers a machine download so the database stays current
  without anyone pressing the button. Each tick just asks the download
  manager to start; a tick that lands while a run is in flight is skipped,
  not queued.

CONFIGURATION:
  - Interval: How often to fetch (0 disables the scheduler)
  - Window:   How far back each download reaches

USAGE:
  scheduler := NewFetchScheduler(fetcher, log, time.Hour, 7)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - fetcher.go: The download manager each tick drives
*/
package api

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sleli/tecnotouch/machine"
)

// FetchScheduler triggers machine downloads on a fixed interval.
type FetchScheduler struct {
	Fetcher    *Fetcher
	Interval   time.Duration
	WindowDays int

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewFetchScheduler creates a scheduler. windowDays bounds how far back each
// automatic download reaches.
func NewFetchScheduler(fetcher *Fetcher, log zerolog.Logger, interval time.Duration, windowDays int) *FetchScheduler {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &FetchScheduler{
		Fetcher:    fetcher,
		Interval:   interval,
		WindowDays: windowDays,
		log:        log,
		stop:       make(chan struct{}),
	}
}

// Start begins the scheduler. A zero interval disables it.
func (s *FetchScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.log.Info().Msg("fetch scheduler disabled")
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.Interval).Msg("fetch scheduler started")
}

// Stop halts the scheduler and waits for the loop to exit. A download
// already in flight keeps running; only the trigger loop stops.
func (s *FetchScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("fetch scheduler stopped")
	}
}

func (s *FetchScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ticker.C:
			s.trigger()
		case <-s.stop:
			return
		}
	}
}

func (s *FetchScheduler) trigger() {
	now := time.Now()
	runID, err := s.Fetcher.Start(now.AddDate(0, 0, -s.WindowDays), now)
	if err != nil {
		if errors.Is(err, machine.ErrImportBusy) {
			s.log.Debug().Msg("scheduled fetch skipped, run already in flight")
			return
		}
		s.log.Error().Err(err).Msg("scheduled fetch failed to start")
		return
	}
	s.log.Info().Str("run_id", runID).Msg("scheduled fetch started")
}

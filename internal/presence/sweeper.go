package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   5 * time.Minute,
		StaleAfter: 30 * time.Minute,
	}
}

// SweepStore is the persistence slice the sweeper needs.
type SweepStore interface {
	SweepStaleSessions(cutoff time.Time) (int64, error)
}

// Sweeper periodically deactivates writing sessions that stopped being
// touched. Without it the durable view would leak "active" writers whenever
// a process died between join and teardown.
type Sweeper struct {
	store  SweepStore
	config SweeperConfig
	stop   chan struct{}
	wg     sync.WaitGroup
	log    *logrus.Entry
}

func NewSweeper(store SweepStore, config SweeperConfig) *Sweeper {
	return &Sweeper{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
		log:    logrus.WithField("component", "session-sweeper"),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval":    s.config.Interval,
		"stale_after": s.config.StaleAfter,
	}).Info("Session sweeper started")
}

func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("Session sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.config.StaleAfter)
	n, err := s.store.SweepStaleSessions(cutoff)
	if err != nil {
		s.log.WithError(err).Warn("Failed to sweep stale sessions")
		return
	}
	if n > 0 {
		s.log.WithField("count", n).Info("Deactivated stale writing sessions")
	}
}

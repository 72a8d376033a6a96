package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/cantonconnect/bridge/pkg/log"
)

// DefaultRescanDelays catch wallets that inject themselves late.
var DefaultRescanDelays = []time.Duration{0, 500 * time.Millisecond, 3 * time.Second}

// Scheduler runs Scan on a schedule and reports each provider once.
type Scheduler struct {
	scope  func() Scope
	delays []time.Duration
	onNew  func(Discovered)
	logger log.Logger

	mu   sync.Mutex
	seen map[any]struct{}
	all  []Discovered
}

// NewScheduler scans whatever scope returns at each of delays, measured from
// Run. onNew is called once per newly seen provider.
func NewScheduler(scope func() Scope, delays []time.Duration, onNew func(Discovered), logger log.Logger) *Scheduler {
	if len(delays) == 0 {
		delays = DefaultRescanDelays
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Scheduler{
		scope:  scope,
		delays: delays,
		onNew:  onNew,
		logger: logger.WithName("discovery"),
		seen:   make(map[any]struct{}),
	}
}

// Run blocks until every scheduled scan ran or ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	start := time.Now()
	for _, d := range s.delays {
		wait := time.Until(start.Add(d))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		s.ScanNow()
	}
	return nil
}

// ScanNow scans once and returns only the providers not seen before.
func (s *Scheduler) ScanNow() []Discovered {
	report := Inspect(s.scope())
	for _, rej := range report.Rejected {
		s.logger.Debug("ignoring non-conforming candidate", "path", rej.Path, "reason", rej.Err)
	}

	var fresh []Discovered
	s.mu.Lock()
	for _, d := range report.Found {
		if _, ok := s.seen[d.identity]; ok {
			continue
		}
		s.seen[d.identity] = struct{}{}
		s.all = append(s.all, d)
		fresh = append(fresh, d)
	}
	s.mu.Unlock()

	for _, d := range fresh {
		s.logger.Info("wallet provider discovered", "id", d.ID, "source", d.Source)
		if s.onNew != nil {
			s.onNew(d)
		}
	}
	return fresh
}

// Discovered returns every provider seen so far, in discovery order.
func (s *Scheduler) Discovered() []Discovered {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Discovered(nil), s.all...)
}

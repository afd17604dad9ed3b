// Package supervisor owns the lifecycle of the core's background work:
// periodic loops and long-running services. A failing iteration never stops
// the process; it is logged, backed off and escalated after repeated
// failures.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/observability"
)

// Loop is a periodic job. Tick runs once per Interval.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
}

// Service is a long-running job that returns only when ctx ends or it fails.
// A service that returns while the supervisor is still running is restarted.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	Loops       int   `json:"loops"`
	Services    int   `json:"services"`
	Ticks       int64 `json:"ticks"`
	Failures    int64 `json:"failures"`
	Panics      int64 `json:"panics"`
	Escalations int64 `json:"escalations"`
	Restarts    int64 `json:"restarts"`
}

// Supervisor runs registered loops and services until its context ends.
type Supervisor struct {
	config  config.SupervisorConfig
	metrics *observability.Metrics
	health  *observability.HealthMonitor

	mu       sync.Mutex
	loops    []Loop
	services []Service
	onStop   []func()
	running  bool

	ticks       atomic.Int64
	failures    atomic.Int64
	panics      atomic.Int64
	escalations atomic.Int64
	restarts    atomic.Int64
}

// New creates a supervisor. metrics and health may be nil.
func New(cfg config.SupervisorConfig, metrics *observability.Metrics, health *observability.HealthMonitor) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 30 * time.Second
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 3
	}
	return &Supervisor{config: cfg, metrics: metrics, health: health}
}

// AddLoop registers a periodic loop. Must be called before Run.
func (s *Supervisor) AddLoop(l Loop) {
	if l.Interval <= 0 {
		l.Interval = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, l)
}

// AddService registers a long-running service. Must be called before Run.
func (s *Supervisor) AddService(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, svc)
}

// OnStop registers a hook run after every loop and service has returned.
// Hooks run in reverse registration order.
func (s *Supervisor) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, fn)
}

// Run starts everything and blocks until ctx is cancelled and all work has
// drained.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	loops := append([]Loop(nil), s.loops...)
	services := append([]Service(nil), s.services...)
	s.mu.Unlock()

	log.Info().
		Int("loops", len(loops)).
		Int("services", len(services)).
		Dur("backoff", s.config.Backoff).
		Int("escalate_after", s.config.EscalateAfter).
		Msg("supervisor: starting")

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			s.runLoop(ctx, l)
		}(l)
	}
	for _, svc := range services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()
			s.runService(ctx, svc)
		}(svc)
	}

	<-ctx.Done()
	wg.Wait()

	s.mu.Lock()
	hooks := s.onStop
	s.running = false
	s.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	log.Info().Msg("supervisor: stopped")
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func (s *Supervisor) runLoop(ctx context.Context, l Loop) {
	st := newStreak(s, "loop:"+l.Name, l.Name)
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		err := s.call(ctx, l.Name, l.Tick)
		s.ticks.Add(1)
		s.metrics.ObserveTick(l.Name, time.Since(start).Seconds())

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			st.fail(err)
			if !sleep(ctx, s.config.Backoff) {
				return
			}
		} else {
			st.ok()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Services
// ---------------------------------------------------------------------------

func (s *Supervisor) runService(ctx context.Context, svc Service) {
	st := newStreak(s, "service:"+svc.Name, svc.Name)
	for {
		start := time.Now()
		err := s.call(ctx, svc.Name, svc.Run)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("service exited")
		}
		// A service that stayed up past the backoff window starts a new streak.
		if time.Since(start) > 2*s.config.Backoff {
			st.ok()
		}
		st.fail(err)

		s.restarts.Add(1)
		s.metrics.ServiceRestarted(svc.Name)
		if !sleep(ctx, s.config.Backoff) {
			return
		}
		log.Info().Str("service", svc.Name).Msg("supervisor: restarting service")
	}
}

// call runs fn, converting a panic into an error.
func (s *Supervisor) call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error().
				Str("job", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("supervisor: recovered panic")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// streak tracks consecutive failures of one job.
type streak struct {
	s         *Supervisor
	component string
	name      string
	count     int
	escalated bool
}

func newStreak(s *Supervisor, component, name string) *streak {
	return &streak{s: s, component: component, name: name}
}

func (st *streak) fail(err error) {
	st.count++
	st.s.failures.Add(1)
	st.s.metrics.LoopFailed(st.name)

	if st.count < st.s.config.EscalateAfter {
		log.Warn().
			Err(err).
			Str("job", st.name).
			Int("consecutive", st.count).
			Dur("backoff", st.s.config.Backoff).
			Msg("supervisor: iteration failed")
		return
	}

	log.Error().
		Err(err).
		Str("job", st.name).
		Int("consecutive", st.count).
		Bool("escalated", true).
		Msg("supervisor: repeated failures")
	if !st.escalated {
		st.escalated = true
		st.s.escalations.Add(1)
		st.s.metrics.LoopEscalated(st.name)
		if st.s.health != nil {
			st.s.health.SetStatus(st.component, observability.StatusDegraded,
				fmt.Sprintf("%d consecutive failures: %v", st.count, err))
		}
	}
}

func (st *streak) ok() {
	if st.escalated {
		log.Info().Str("job", st.name).Msg("supervisor: recovered")
		if st.s.health != nil {
			st.s.health.SetStatus(st.component, observability.StatusHealthy, "")
		}
	}
	st.count = 0
	st.escalated = false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats returns a snapshot of supervisor counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	loops, services := len(s.loops), len(s.services)
	s.mu.Unlock()
	return Stats{
		Loops:       loops,
		Services:    services,
		Ticks:       s.ticks.Load(),
		Failures:    s.failures.Load(),
		Panics:      s.panics.Load(),
		Escalations: s.escalations.Load(),
		Restarts:    s.restarts.Load(),
	}
}

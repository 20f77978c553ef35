package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/metrics"
	"github.com/devtable/gantry/pkg/state"
	"github.com/rs/zerolog"
)

// TLong and TShort are the command loop's two sleep intervals.
const (
	TLong  = 30 * time.Second
	TShort = 10 * time.Second

	// livenessCheckInterval is how often the liveness loop polls
	// component health while its signal is active.
	livenessCheckInterval = 30 * time.Second
)

// componentController is the narrow slice of *component.Component the
// watcher drives. Declared here to keep pkg/watcher's tests free of a
// real container engine and metadata store.
type componentController interface {
	Name() string
	IsRunning(ctx context.Context) (bool, error)
	ImageID(ctx context.Context) (string, error)
	PullRepo(ctx context.Context) bool
	Update(ctx context.Context) error
	Stop(ctx context.Context, kill bool) error
	Healthy(ctx context.Context) bool
}

// stateStore is the narrow slice of *state.ComponentStateHandle the
// watcher needs.
type stateStore interface {
	Get() state.ComponentState
	CompareAndSet(observed, next state.ComponentState) (bool, error)
}

// signal is a level-triggered wakeup the command loop raises and the
// liveness loop waits on, replacing the original's threading.Event.
type signal struct {
	mu     sync.Mutex
	active bool
	ch     chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.active = true
		close(s.ch)
	}
}

func (s *signal) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// wait returns the channel that is closed the next time set() is
// called; callers must re-fetch it after every wakeup since clear()
// replaces it.
func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Watcher is one long-lived controller for a single component on a
// host: a command loop observing ComponentState, and a liveness loop
// performing local self-heal restarts. The two loops mutually exclude
// via updateLock so a self-heal can never interleave with a
// remote-driven rollover.
type Watcher struct {
	comp        componentController
	stateHandle stateStore
	machineID   string

	updateLock sync.Mutex
	liveness   *signal

	logger zerolog.Logger
}

// New builds a Watcher for one component. machineID identifies this
// host in the CAS lock it takes on ComponentState.
func New(comp componentController, stateHandle stateStore, machineID string) *Watcher {
	return &Watcher{
		comp:        comp,
		stateHandle: stateHandle,
		machineID:   machineID,
		liveness:    newSignal(),
		logger:      log.WithComponent(comp.Name()),
	}
}

// Run starts both loops and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.commandLoop(ctx) }()
	go func() { defer wg.Done(); w.livenessLoop(ctx) }()
	wg.Wait()
}

func (w *Watcher) commandLoop(ctx context.Context) {
	for {
		sleep := w.runCommandIteration(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// runCommandIteration reads ComponentState once, dispatches by status,
// and returns how long to sleep before the next iteration.
func (w *Watcher) runCommandIteration(ctx context.Context) time.Duration {
	observed := w.stateHandle.Get()

	switch observed.Status {
	case state.StatusStopped:
		w.liveness.clear()
		if err := w.comp.Stop(ctx, false); err != nil {
			w.logger.Error().Err(err).Msg("stop failed")
		}
		return TLong

	case state.StatusKilled:
		w.liveness.clear()
		if err := w.comp.Stop(ctx, true); err != nil {
			w.logger.Error().Err(err).Msg("kill failed")
		}
		return TLong

	case state.StatusReady, state.StatusPullFail:
		return w.evaluateUpdate(ctx, observed)

	default:
		return TLong
	}
}

// evaluateUpdate determines whether the locally running image differs
// from the desired one, and if so serializes the rollover across hosts
// via CAS on ComponentState before driving the local Component through
// it.
func (w *Watcher) evaluateUpdate(ctx context.Context, observed state.ComponentState) time.Duration {
	w.updateLock.Lock()
	defer w.updateLock.Unlock()

	running, err := w.comp.IsRunning(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("check running failed")
		return TLong
	}

	current, err := w.comp.ImageID(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("resolve current image id failed")
	}

	if running && observed.ImageID == current {
		return TLong
	}

	locked := state.ComponentState{Status: state.StatusUpdating, Machine: w.machineID}
	ok, err := w.stateHandle.CompareAndSet(observed, locked)
	if err != nil {
		w.logger.Error().Err(err).Msg("cas to updating failed")
		return TShort
	}
	if !ok {
		// Another host holds the update lock; retry soon.
		metrics.CASConflictsTotal.WithLabelValues(w.comp.Name()).Inc()
		return TShort
	}

	if observed.ImageID != current {
		if !w.comp.PullRepo(ctx) {
			w.casOrLog(locked, state.ComponentState{Status: state.StatusPullFail, Machine: w.machineID})
			metrics.UpdatesTotal.WithLabelValues(w.comp.Name(), "pullfail").Inc()
			return TLong
		}
	}

	timer := metrics.NewTimer()
	err = w.comp.Update(ctx)
	timer.ObserveDurationVec(metrics.UpdateDuration, w.comp.Name())
	if err != nil {
		w.logger.Error().Err(err).Msg("update failed")
		w.casOrLog(locked, state.ComponentState{Status: state.StatusUpdateFail, Machine: w.machineID})
		metrics.UpdatesTotal.WithLabelValues(w.comp.Name(), "updatefail").Inc()
		return TLong
	}

	newImageID, err := w.comp.ImageID(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("resolve new image id failed")
	}
	w.casOrLog(locked, state.ComponentState{Status: state.StatusReady, ImageID: newImageID})
	metrics.UpdatesTotal.WithLabelValues(w.comp.Name(), "ready").Inc()
	w.liveness.set()
	return TLong
}

func (w *Watcher) casOrLog(observed, next state.ComponentState) {
	ok, err := w.stateHandle.CompareAndSet(observed, next)
	if err != nil {
		w.logger.Error().Err(err).Msg("cas failed")
		return
	}
	if !ok {
		w.logger.Warn().Msg("cas did not apply; state changed underneath us")
	}
}

// livenessLoop waits for the command loop to signal the component is
// believed running, then polls Healthy() every livenessCheckInterval
// for as long as the signal stays active.
func (w *Watcher) livenessLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.liveness.wait():
		}

		w.pollWhileActive(ctx)
	}
}

func (w *Watcher) pollWhileActive(ctx context.Context) {
	ticker := time.NewTicker(livenessCheckInterval)
	defer ticker.Stop()

	for w.liveness.isActive() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkLiveness(ctx)
		}
	}
}

// checkLiveness runs Healthy(); on failure it attempts a local restart
// under updateLock, but only if ComponentState is still `ready` (a
// remote-driven update may already be in flight). A failed restart
// clears the signal so the liveness loop goes back to waiting for the
// command loop's next `ready` observation.
func (w *Watcher) checkLiveness(ctx context.Context) {
	if w.comp.Healthy(ctx) {
		return
	}

	w.updateLock.Lock()
	defer w.updateLock.Unlock()

	current := w.stateHandle.Get()
	if current.Status != state.StatusReady {
		return
	}

	w.logger.Warn().Msg("health check failed, attempting local restart")
	if err := w.comp.Update(ctx); err != nil {
		w.logger.Error().Err(err).Msg("self-heal restart failed")
		metrics.SelfHealsTotal.WithLabelValues(w.comp.Name(), "failed").Inc()
		w.liveness.clear()
		return
	}
	metrics.SelfHealsTotal.WithLabelValues(w.comp.Name(), "restarted").Inc()

	newImageID, err := w.comp.ImageID(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("resolve image id after self-heal failed")
	}
	w.casOrLog(current, state.ComponentState{Status: state.StatusReady, ImageID: newImageID})
}

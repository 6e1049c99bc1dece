// Package model owns the single acoustic model a process loads and gates
// access to it by lifecycle state.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/engine"
)

type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotLoaded is returned by Use whenever the model is not Ready.
	ErrNotLoaded = errors.New("model not loaded")
	// ErrLoad matches any *LoadError.
	ErrLoad = errors.New("model load failed")
)

type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// Manager drives Unloaded -> Loading -> Ready|Failed and back to Unloaded on
// release. A released manager never loads again.
type Manager struct {
	path   string
	engine engine.Engine
	logger *slog.Logger

	mu             sync.RWMutex
	state          State
	err            error
	released       bool
	releasePending bool
	loadDone       chan struct{}
	observers      []func(State)
}

func NewManager(path string, eng engine.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:   path,
		engine: eng,
		logger: logger.With(slog.String("component", "model"), slog.String("path", path)),
	}
}

// BeginLoad starts loading on a background goroutine and returns at once.
// It reports false when nothing was started: a load is running or done,
// the last attempt failed, or the manager was released.
func (m *Manager) BeginLoad() bool {
	m.mu.Lock()
	if m.state != Unloaded || m.released || m.engine == nil {
		m.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	m.loadDone = done
	notify := m.transitionLocked(Loading, nil)
	m.mu.Unlock()
	notify()

	go m.load(done)
	return true
}

func (m *Manager) load(done chan struct{}) {
	defer close(done)
	start := time.Now()

	err := m.safeLoad()

	m.mu.Lock()
	var notify func()
	switch {
	case err != nil:
		notify = m.transitionLocked(Failed, &LoadError{Path: m.path, Err: err})
	case m.releasePending:
		if relErr := m.engine.Release(); relErr != nil {
			m.logger.Warn("release after load failed", slogError(relErr))
		}
		m.released = true
		notify = m.transitionLocked(Unloaded, nil)
	default:
		notify = m.transitionLocked(Ready, nil)
	}
	m.mu.Unlock()
	notify()

	if err == nil {
		m.logger.Info("model load finished", slog.Duration("elapsed", time.Since(start)))
	}
}

func (m *Manager) safeLoad() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during load: %v", r)
		}
	}()
	return m.engine.Load(context.Background(), m.path)
}

// Wait blocks until the current load attempt finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	done := m.loadDone
	m.mu.RUnlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case Ready:
		return nil
	case Failed:
		return m.err
	default:
		return ErrNotLoaded
	}
}

func (m *Manager) IsReady() bool {
	return m.State() == Ready
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Path() string {
	return m.path
}

// Err returns the load failure, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Fail records a failure found before loading, such as a missing model
// file. Only valid from Unloaded.
func (m *Manager) Fail(err error) {
	m.mu.Lock()
	if m.state != Unloaded || m.released {
		m.mu.Unlock()
		return
	}
	notify := m.transitionLocked(Failed, &LoadError{Path: m.path, Err: err})
	m.mu.Unlock()
	notify()
}

// Release frees the engine once the model is Ready, waiting for running Use
// calls to return first. Releasing during a load defers the release until
// the load completes. Any other call is a no-op.
func (m *Manager) Release() bool {
	m.mu.Lock()
	switch {
	case m.released:
		m.mu.Unlock()
		return false
	case m.state == Loading:
		m.releasePending = true
		m.mu.Unlock()
		return false
	case m.state != Ready:
		m.mu.Unlock()
		return false
	}

	if err := m.engine.Release(); err != nil {
		m.logger.Warn("engine release failed", slogError(err))
	}
	m.released = true
	notify := m.transitionLocked(Unloaded, nil)
	m.mu.Unlock()
	notify()
	return true
}

// Use runs fn with the engine while the model is Ready. The model cannot be
// released until fn returns.
func (m *Manager) Use(fn func(engine.Engine) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Ready {
		return ErrNotLoaded
	}
	return fn(m.engine)
}

// Observe registers fn for every subsequent state change. fn must not block.
func (m *Manager) Observe(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// transitionLocked records the new state and returns a func that logs and
// notifies observers; call it after releasing mu.
func (m *Manager) transitionLocked(to State, err error) func() {
	from := m.state
	m.state = to
	m.err = err
	observers := append([]func(State){}, m.observers...)

	return func() {
		attrs := []any{slog.String("from", from.String()), slog.String("to", to.String())}
		if err != nil {
			m.logger.Error("model state changed", append(attrs, slogError(err))...)
		} else {
			m.logger.Info("model state changed", attrs...)
		}
		for _, fn := range observers {
			fn(to)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

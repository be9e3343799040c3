// Package loop runs the long-lived request loops of a chat session: the delta
// long-poll and the action queue.
//
// A Loop starts paused. Start spawns its goroutine, Resume lets it issue
// requests, Pause holds it before the next request and Stop ends it for good,
// cancelling the request in flight.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/exec"
)

// Config carries what every loop needs.
type Config struct {
	Transport Transport
	Logger    *slog.Logger
	Metrics   *Metrics
	// Completion runs every callback. Defaults to exec.Immediate.
	Completion exec.Executor
	// BackoffUnit is the length of one backoff step. Defaults to one second.
	BackoffUnit time.Duration
	// OnDisconnected is called, on the loop goroutine, after each transport failure.
	OnDisconnected func()
	// OnFatal receives the error that ended the loop, at most once.
	OnFatal func(error)
}

// Loop is the shared state machine behind DeltaLoop and ActionLoop.
type Loop struct {
	name       string
	transport  Transport
	log        *slog.Logger
	metrics    *Metrics
	completion exec.Executor
	unit       time.Duration
	onDisc     func()
	onFatal    func(error)

	mu      sync.Mutex
	cond    *sync.Cond
	started bool
	paused  bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoop(name string, cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Completion == nil {
		cfg.Completion = exec.Immediate{}
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = defaultBackoffUnit
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		name:       name,
		transport:  cfg.Transport,
		log:        cfg.Logger.With("loop", name),
		metrics:    cfg.Metrics,
		completion: cfg.Completion,
		unit:       cfg.BackoffUnit,
		onDisc:     cfg.OnDisconnected,
		onFatal:    cfg.OnFatal,
		paused:     true,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// start spawns run once. A stopped loop never starts.
func (l *Loop) start(run func(ctx context.Context) error) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go func() {
		err := run(l.ctx)
		l.halt()
		// Closed before reporting so that OnFatal may call Stop.
		close(l.done)
		if err == nil || errors.Is(err, ErrInterrupted) {
			l.log.Debug("loop.stopped")
			return
		}
		l.log.Error("loop.failed", "err", err)
		if l.onFatal != nil {
			l.completion.Execute(func() { l.onFatal(err) })
		}
	}()
}

// Pause holds the loop before its next request.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume releases a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Stop ends the loop and waits for its goroutine. It must not be called from
// a loop callback running on the loop goroutine.
func (l *Loop) Stop() {
	started := l.halt()
	if !started {
		return
	}
	<-l.done
}

// halt marks the loop stopped and cancels the request in flight. It reports
// whether the goroutine was ever started.
func (l *Loop) halt() bool {
	l.mu.Lock()
	if l.stopped {
		started := l.started
		l.mu.Unlock()
		return started
	}
	l.stopped = true
	started := l.started
	if !started {
		l.started = true
		close(l.done)
	}
	l.cond.Broadcast()
	l.mu.Unlock()
	l.cancel()
	return started
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Running reports whether Stop has not been called yet.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped
}

func (l *Loop) waitResumed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.paused && !l.stopped {
		l.cond.Wait()
	}
	if l.stopped {
		return ErrInterrupted
	}
	return nil
}

// sleep waits d or until the loop stops.
func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrInterrupted
	case <-t.C:
		return nil
	}
}

// Perform sends req until an accepted response arrives.
//
// Transport failures are retried for as long as the loop runs, sleeping
// min(failures, 5) backoff units. Non-accepted statuses back off one more
// unit each time and end with ErrServerNotAvailable on the fifth in a row.
// Both sleeps are shortened by the time the request itself took.
func (l *Loop) Perform(ctx context.Context, req Request) (Response, error) {
	var failures, consecutive int
	for {
		if err := l.waitResumed(); err != nil {
			return Response{}, err
		}

		start := time.Now()
		resp, err := l.transport.Do(ctx, req)
		elapsed := time.Since(start)
		if ctx.Err() != nil || !l.Running() {
			return Response{}, ErrInterrupted
		}

		if err != nil {
			failures++
			l.metrics.request(l.name, 0)
			l.log.Warn("loop.request.transport_failed", "path", req.Path, "attempt", failures, "err", err)
			if l.onDisc != nil {
				l.onDisc()
			}
			if err := l.sleep(ctx, time.Duration(min(failures, maxTransportBackoff))*l.unit-elapsed); err != nil {
				return Response{}, err
			}
			continue
		}
		failures = 0
		l.metrics.request(l.name, resp.Status)

		if accepted(resp.Status) {
			l.metrics.errorRun(l.name, 0)
			return resp, nil
		}

		consecutive++
		l.metrics.errorRun(l.name, consecutive)
		l.log.Warn("loop.request.bad_status", "path", req.Path, "status", resp.Status, "consecutive", consecutive)
		if consecutive >= maxConsecutiveErrors {
			return Response{}, fmt.Errorf("%w: %d consecutive responses, last status %d",
				ErrServerNotAvailable, consecutive, resp.Status)
		}
		if err := l.sleep(ctx, time.Duration(consecutive)*l.unit-elapsed); err != nil {
			return Response{}, err
		}
	}
}

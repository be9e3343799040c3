package loop

import (
	"context"
	"net/http"
	"sync"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/wire"

	"golang.org/x/time/rate"
)

// ActionConfig configures an ActionLoop.
type ActionConfig struct {
	Config
	// Auth is shared with the delta loop. Required.
	Auth *auth.Holder
	// Rate limits actions per second; zero or less means unlimited.
	Rate  float64
	Burst int
	// OnInternalError receives error codes no action kind knows about.
	OnInternalError func(code, path string)
}

// ActionLoop sends queued actions one at a time, in order, once the session
// is authorized.
type ActionLoop struct {
	*Loop
	cfg     ActionConfig
	auth    *auth.Holder
	limiter *rate.Limiter

	mu     sync.Mutex
	queue  []Action
	closed bool
	wake   chan struct{}
}

// NewActionLoop builds a paused ActionLoop.
func NewActionLoop(cfg ActionConfig) *ActionLoop {
	if cfg.Auth == nil {
		cfg.Auth = &auth.Holder{}
	}
	l := &ActionLoop{
		Loop: newLoop("action", cfg.Config),
		cfg:  cfg,
		auth: cfg.Auth,
		wake: make(chan struct{}, 1),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return l
}

// Start spawns the loop goroutine. Calling it again is a no-op.
func (l *ActionLoop) Start() { l.start(l.run) }

// Enqueue appends a to the queue.
func (l *ActionLoop) Enqueue(a Action) error {
	l.mu.Lock()
	if l.closed || !l.Running() {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, a)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued actions not yet sent.
func (l *ActionLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *ActionLoop) run(ctx context.Context) error {
	defer l.drain()
	for {
		act, err := l.next(ctx)
		if err != nil {
			return err
		}
		a, err := l.awaitAuth(ctx)
		if err != nil {
			l.deliver(act, nil, err)
			return err
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				l.deliver(act, nil, ErrInterrupted)
				return ErrInterrupted
			}
		}
		if err := l.send(ctx, a, act); err != nil {
			return err
		}
	}
}

func (l *ActionLoop) next(ctx context.Context) (Action, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			a := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return a, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ErrInterrupted
		case <-l.wake:
		}
	}
}

// awaitAuth polls the shared holder until the delta loop has authorized
// the session.
func (l *ActionLoop) awaitAuth(ctx context.Context) (*auth.Data, error) {
	for {
		if a := l.auth.Load(); a != nil {
			return a, nil
		}
		if err := l.sleep(ctx, authPollInterval); err != nil {
			return nil, err
		}
	}
}

func (l *ActionLoop) send(ctx context.Context, a *auth.Data, act Action) error {
	req := act.request()
	req.Params.Set("page-id", a.PageID)
	req.Params.Set("auth-token", a.Token)

	resp, err := l.Perform(ctx, req)
	if err != nil {
		l.deliver(act, nil, err)
		return err
	}

	code := wire.PeekError(resp.Body)
	switch resp.Status {
	case http.StatusRequestEntityTooLarge:
		code = wire.ErrCodeFileSizeExceeded
	case http.StatusUnsupportedMediaType:
		code = wire.ErrCodeFileTypeNotAllowed
	}
	if code == "" {
		l.metrics.action(act.Name(), "ok")
		l.deliver(act, resp.Body, nil)
		return nil
	}

	aerr := &ActionError{Action: act.Name(), Code: code}
	l.metrics.action(act.Name(), code)
	if !aerr.known() {
		l.log.Warn("loop.action.server_error", "action", act.Name(), "code", code)
		if l.cfg.OnInternalError != nil {
			path := req.Path
			l.completion.Execute(func() { l.cfg.OnInternalError(code, path) })
		}
	}
	l.deliver(act, nil, aerr)
	return nil
}

func (l *ActionLoop) deliver(act Action, body []byte, err error) {
	l.completion.Execute(func() { act.complete(body, err) })
}

// drain fails every action left in the queue once the loop exits.
func (l *ActionLoop) drain() {
	l.mu.Lock()
	left := l.queue
	l.queue = nil
	l.closed = true
	l.mu.Unlock()

	for _, a := range left {
		l.deliver(a, nil, ErrInterrupted)
	}
}

// HistoryBefore queries history older than beforeMicros through the queue.
func (l *ActionLoop) HistoryBefore(ctx context.Context, beforeMicros int64) (*wire.HistoryData, error) {
	return l.history(ctx, func(done func(*wire.HistoryData, error)) Action {
		return &HistoryBefore{BeforeMicros: beforeMicros, Done: done}
	})
}

// HistorySince queries history changes after since through the queue.
func (l *ActionLoop) HistorySince(ctx context.Context, since wire.Revision) (*wire.HistoryData, error) {
	return l.history(ctx, func(done func(*wire.HistoryData, error)) Action {
		return &HistorySince{Since: since, Done: done}
	})
}

type historyResult struct {
	data *wire.HistoryData
	err  error
}

func (l *ActionLoop) history(ctx context.Context, build func(func(*wire.HistoryData, error)) Action) (*wire.HistoryData, error) {
	ch := make(chan historyResult, 1)
	act := build(func(d *wire.HistoryData, err error) { ch <- historyResult{d, err} })
	if err := l.Enqueue(act); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.Done():
		select {
		case r := <-ch:
			return r.data, r.err
		default:
			return nil, ErrStopped
		}
	}
}

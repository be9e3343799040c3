// Package session assembles a visitor chat session: the delta and action
// loops, the delta callback, the message holder and the history poller, all
// sharing one completion executor.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/delta"
	"chatsync/cmd/internal/exec"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/loop"
	"chatsync/cmd/internal/message"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Config configures a Session. Transport is required.
type Config struct {
	Transport loop.Transport
	// ActionTransport serves the action loop and history queries. Defaults
	// to Transport.
	ActionTransport loop.Transport
	// ServerURL resolves relative avatar and file links.
	ServerURL string

	// Storage defaults to an in-memory store. The session does not close it.
	Storage history.Storage
	// Meta defaults to an in-memory revision store.
	Meta history.MetaStorage

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	DeviceID          string
	Location          string
	Platform          string
	Title             string
	AppVersion        string
	PushToken         string
	VisitorJSON       string
	VisitorFieldsJSON string
	SessionID         string
	ProvidedAuthToken string
	// Auth resumes an earlier session.
	Auth *auth.Data

	BackoffUnit  time.Duration
	ActionRate   float64
	ActionBurst  int
	PollInterval time.Duration

	// OnFatal is the fatal error handler. It runs at most once, after which
	// the session is destroyed.
	OnFatal                func(error)
	OnSessionParams        func(loop.SessionParams)
	OnDisconnected         func()
	OnInternalError        func(code, path string)
	OnProvidedTokenRefresh func()

	Now func() time.Time
}

// Session is one visitor connected to a chat server.
//
// Methods are safe from any goroutine unless noted. Listener callbacks run
// on the completion executor, one at a time.
type Session struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	destroyer  *exec.Destroyer
	queue      *exec.Queue
	worker     *exec.Queue
	completion exec.Executor

	auth     *auth.Holder
	holder   *holder.Holder
	callback *delta.Callback
	poller   *history.Poller
	stream   *Stream
	deltas   *loop.DeltaLoop
	actions  *loop.ActionLoop

	fatalOnce sync.Once
	mu        sync.Mutex
	fatal     error
	closed    chan struct{}
}

// New wires a paused session. Resume or Run starts it.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Storage == nil {
		cfg.Storage = history.NewMemoryStorage()
	}
	if cfg.Meta == nil {
		cfg.Meta = history.NewMemoryMeta()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger

	s := &Session{
		cfg:       cfg,
		log:       log,
		now:       cfg.Now,
		destroyer: exec.NewDestroyer(),
		auth:      &auth.Holder{},
		stream:    newStream(),
		closed:    make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = exec.NewQueue("completion", log)
	s.worker = exec.NewQueue("history", log)
	s.completion = exec.NewGuarded(s.queue, s.destroyer)
	if cfg.Auth != nil {
		s.auth.Store(cfg.Auth)
	}

	var loopMetrics *loop.Metrics
	var holderMetrics *holder.Metrics
	if cfg.Registerer != nil {
		loopMetrics = loop.NewMetrics(cfg.Registerer)
		holderMetrics = holder.NewMetrics(cfg.Registerer)
	}
	base := loop.Config{
		Transport:   cfg.Transport,
		Logger:      log,
		Metrics:     loopMetrics,
		Completion:  s.completion,
		BackoffUnit: cfg.BackoffUnit,
		OnDisconnected: func() {
			if cfg.OnDisconnected != nil {
				s.completion.Execute(cfg.OnDisconnected)
			}
		},
		OnFatal: s.fail,
	}

	actionBase := base
	if cfg.ActionTransport != nil {
		actionBase.Transport = cfg.ActionTransport
	}
	s.actions = loop.NewActionLoop(loop.ActionConfig{
		Config:          actionBase,
		Auth:            s.auth,
		Rate:            cfg.ActionRate,
		Burst:           cfg.ActionBurst,
		OnInternalError: cfg.OnInternalError,
	})

	mapper := message.NewMapper(cfg.ServerURL)
	s.holder = holder.New(s.ctx, holder.Options{
		Storage:    cfg.Storage,
		Remote:     history.NewRemote(s.actions, mapper, log),
		Worker:     s.worker,
		Completion: s.completion,
		Logger:     log,
		Metrics:    holderMetrics,
		Now:        cfg.Now,
	})
	s.poller = history.NewPoller(s.actions, cfg.Meta, s.holder, s.completion, mapper, log,
		history.PollerConfig{Interval: cfg.PollInterval})
	s.callback = delta.New(delta.Options{
		Holder: s.holder,
		Poller: s.poller,
		Stream: s.stream,
		Mapper: mapper,
		Logger: log,
	})

	s.deltas = loop.NewDeltaLoop(loop.DeltaConfig{
		Config:                 base,
		Handler:                s.callback,
		Auth:                   s.auth,
		DeviceID:               cfg.DeviceID,
		Location:               cfg.Location,
		Platform:               cfg.Platform,
		Title:                  cfg.Title,
		AppVersion:             cfg.AppVersion,
		PushToken:              cfg.PushToken,
		VisitorJSON:            cfg.VisitorJSON,
		VisitorFieldsJSON:      cfg.VisitorFieldsJSON,
		SessionID:              cfg.SessionID,
		ProvidedAuthToken:      cfg.ProvidedAuthToken,
		OnSessionParams:        cfg.OnSessionParams,
		OnInternalError:        cfg.OnInternalError,
		OnProvidedTokenRefresh: cfg.OnProvidedTokenRefresh,
		Now:                    cfg.Now,
	})

	s.destroyer.OnDestroy(s.cancel)
	s.destroyer.OnDestroy(s.actions.Stop)
	s.destroyer.OnDestroy(s.deltas.Stop)
	s.destroyer.OnDestroy(func() {
		// Destroy may run on the completion queue itself, which cannot wait
		// for its own drain.
		go s.shutdown()
	})
	return s, nil
}

func (s *Session) shutdown() {
	s.worker.Close()
	s.queue.Close()
	close(s.closed)
	s.log.Info("session.destroyed")
}

// Stream returns the chat side channel view.
func (s *Session) Stream() *Stream { return s.stream }

// Done is closed once a destroyed session has released its goroutines.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Resume starts the loops, or releases them after Pause.
func (s *Session) Resume() error {
	if s.destroyer.IsDestroyed() {
		return ErrDestroyed
	}
	s.deltas.Start()
	s.actions.Start()
	s.deltas.Resume()
	s.actions.Resume()
	s.poller.Resume()
	return nil
}

// Pause holds the loops before their next request.
func (s *Session) Pause() error {
	if s.destroyer.IsDestroyed() {
		return ErrDestroyed
	}
	s.deltas.Pause()
	s.actions.Pause()
	s.poller.Pause()
	return nil
}

// Destroy ends the session. It may be called from a listener.
func (s *Session) Destroy() { s.destroyer.Destroy() }

// IsDestroyed reports whether Destroy has been called.
func (s *Session) IsDestroyed() bool { return s.destroyer.IsDestroyed() }

// Run resumes the session and blocks until ctx is done or the session is
// destroyed. It returns the fatal error, if one ended the session.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Resume(); err != nil {
		return err
	}
	s.log.Info("session.run")

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		err := s.poller.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		s.Destroy()
		return nil
	})

	err := g.Wait()
	<-s.closed
	if ferr := s.Err(); ferr != nil {
		return ferr
	}
	return err
}

// fail reports a loop's terminal error to the fatal error handler once and
// tears the session down.
func (s *Session) fail(err error) {
	s.fatalOnce.Do(func() {
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()

		s.log.Error("session.fatal", "err", err)
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(err)
		}
		s.Destroy()
	})
}

// NewTracker replaces the session tracker. It must not be called from a
// listener.
func (s *Session) NewTracker(l holder.Listener) (*holder.Tracker, error) {
	var t *holder.Tracker
	if err := s.onCompletion(func() { t = s.holder.NewTracker(l) }); err != nil {
		return nil, err
	}
	return t, nil
}

// MessagesToSend returns the visitor messages still waiting for their echo.
// It must not be called from a listener.
func (s *Session) MessagesToSend() ([]*message.Message, error) {
	var out []*message.Message
	if err := s.onCompletion(func() { out = s.holder.MessagesToSend() }); err != nil {
		return nil, err
	}
	return out, nil
}

// onCompletion runs f on the completion executor and waits for it.
func (s *Session) onCompletion(f func()) error {
	if s.destroyer.IsDestroyed() {
		return ErrDestroyed
	}
	done := make(chan struct{})
	s.completion.Execute(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-s.closed:
		return ErrDestroyed
	}
}

// SendOptions are the optional parts of an outgoing message.
type SendOptions struct {
	// Data is a JSON object attached to the message.
	Data         string
	HintQuestion *bool
	// Done receives the server answer on the completion executor.
	Done func(id string, err error)
}

// Send queues a visitor message and returns its client-side id. The message
// shows up in the tracker at once and is replaced by the server echo.
func (s *Session) Send(text string) (string, error) {
	return s.SendWith(text, SendOptions{})
}

func (s *Session) SendWith(text string, opts SendOptions) (string, error) {
	if s.destroyer.IsDestroyed() {
		return "", ErrDestroyed
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	now := s.now()
	id, err := message.NewClientSideID(now)
	if err != nil {
		return "", err
	}
	m := message.NewOutgoing(id, text, now)
	s.completion.Execute(func() { s.holder.Sending(m) })

	err = s.actions.Enqueue(&loop.SendMessage{
		ClientSideID: id,
		Text:         text,
		Data:         opts.Data,
		HintQuestion: opts.HintQuestion,
		Done: func(err error) {
			if err != nil {
				s.log.Warn("session.send.failed", "client_side_id", id, "err", err)
				s.holder.SendingFailed(id)
			}
			if opts.Done != nil {
				opts.Done(id, err)
			}
		},
	})
	if err != nil {
		s.completion.Execute(func() { s.holder.SendingCancelled(id) })
		return "", err
	}
	return id, nil
}

// DeleteMessage asks the server to delete a sent visitor message.
func (s *Session) DeleteMessage(clientSideID string, done func(error)) error {
	return s.enqueue(&loop.DeleteMessage{ClientSideID: clientSideID, Done: done})
}

// StartChat opens a chat, optionally routed to a department.
func (s *Session) StartChat(departmentKey, firstQuestion string, done func(error)) error {
	id, err := message.NewClientSideID(s.now())
	if err != nil {
		return err
	}
	return s.enqueue(&loop.StartChat{
		ClientSideID:  id,
		FirstQuestion: firstQuestion,
		DepartmentKey: departmentKey,
		Done:          done,
	})
}

func (s *Session) CloseChat(done func(error)) error {
	return s.enqueue(&loop.CloseChat{Done: done})
}

// RateOperator rates operatorID from 1 to 5. An empty operatorID rates the
// current operator.
func (s *Session) RateOperator(operatorID string, rating int, done func(error)) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	return s.enqueue(&loop.RateOperator{OperatorID: operatorID, Rating: rating, Done: done})
}

// SetTyping reports the visitor typing state along with the current draft.
// An empty draft while not typing deletes the stored draft.
func (s *Session) SetTyping(typing bool, draft string) error {
	return s.enqueue(&loop.SetVisitorTyping{
		Typing:      typing,
		Draft:       draft,
		DeleteDraft: !typing && draft == "",
	})
}

// SetChatRead marks every operator message as read.
func (s *Session) SetChatRead(done func(error)) error {
	return s.enqueue(&loop.ReadByVisitor{Done: done})
}

// SetPushToken sends the token now and with every future init request.
func (s *Session) SetPushToken(token string, done func(error)) error {
	s.deltas.SetPushToken(token)
	return s.enqueue(&loop.SetPushToken{Token: token, Done: done})
}

// SetProvidedAuthToken replaces the token of an externally authorized
// visitor, usually from OnProvidedTokenRefresh.
func (s *Session) SetProvidedAuthToken(token string) {
	s.deltas.SetProvidedAuthToken(token)
}

func (s *Session) enqueue(a loop.Action) error {
	if s.destroyer.IsDestroyed() {
		return ErrDestroyed
	}
	return s.actions.Enqueue(a)
}

package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/exec"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"
)

// UpdateReceiver applies history batches. Its methods are only called on the
// completion executor handed to NewPoller.
type UpdateReceiver interface {
	// ReceiveHistoryUpdate merges msgs and deletes deleted, then calls done.
	ReceiveHistoryUpdate(msgs []*message.Message, deleted []string, done func())
	SetEndOfHistoryReached()
}

// PollerConfig carries the optional knobs of a Poller.
type PollerConfig struct {
	Interval   time.Duration
	RetryDelay time.Duration
}

// Poller keeps local history in sync with the server through
// since-revision queries.
//
// Behavior:
//   - A pushed revision (RequestHistory) triggers a query when it differs
//     from the last committed one.
//   - Without pushed revisions, the server is polled every Interval.
//   - The revision is persisted only after the batch was merged.
//   - hasMore responses are chained immediately.
type Poller struct {
	fetcher    Fetcher
	meta       MetaStorage
	receiver   UpdateReceiver
	completion exec.Executor
	mapper     message.Mapper
	log        *slog.Logger
	cfg        PollerConfig

	wake chan struct{}

	mu       sync.Mutex
	revision wire.Revision
	loaded   bool
	wanted   *wire.Revision
	pushed   bool
	paused   bool
}

// NewPoller wires a Poller. completion must be the executor the receiver
// state is confined to.
func NewPoller(
	fetcher Fetcher,
	meta MetaStorage,
	receiver UpdateReceiver,
	completion exec.Executor,
	mapper message.Mapper,
	log *slog.Logger,
	cfg PollerConfig,
) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if meta == nil {
		meta = NewMemoryMeta()
	}
	if completion == nil {
		completion = exec.Immediate{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = pollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = pollRetryDelay
	}
	return &Poller{
		fetcher:    fetcher,
		meta:       meta,
		receiver:   receiver,
		completion: completion,
		mapper:     mapper,
		log:        log,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

// Run syncs once, then serves pushed revisions and the polling cadence
// until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		p.log.Warn("history.poller.meta_load_failed", "err", err)
	}

	p.syncAll(ctx)

	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
			p.syncAll(ctx)
		case <-t.C:
			p.mu.Lock()
			pushed := p.pushed
			p.mu.Unlock()
			if !pushed {
				p.syncAll(ctx)
			}
		}
	}
}

// RequestHistory asks for a sync to revision. It never blocks.
func (p *Poller) RequestHistory(revision wire.Revision) {
	p.mu.Lock()
	p.pushed = true
	if p.loaded && revision == p.revision {
		p.mu.Unlock()
		return
	}
	rev := revision
	p.wanted = &rev
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pause stops syncing until Resume.
func (p *Poller) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *Poller) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Revision returns the last committed revision.
func (p *Poller) Revision() wire.Revision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revision
}

// InsertMessage mirrors a current-chat message into history.
func (p *Poller) InsertMessage(item *wire.MessageItem) {
	m := p.mapper.History(item)
	if m == nil {
		return
	}
	p.completion.Execute(func() {
		p.receiver.ReceiveHistoryUpdate([]*message.Message{m}, nil, func() {})
	})
}

// DeleteMessage removes the history equivalent of a deleted current-chat message.
func (p *Poller) DeleteMessage(dbID string) {
	if dbID == "" {
		return
	}
	p.completion.Execute(func() {
		p.receiver.ReceiveHistoryUpdate(nil, []string{dbID}, func() {})
	})
}

func (p *Poller) load(ctx context.Context) error {
	rev, err := p.meta.Revision(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	if err != nil {
		return err
	}
	p.revision = wire.Revision(rev)
	return nil
}

// syncAll queries since the committed revision until the server has no more.
func (p *Poller) syncAll(ctx context.Context) {
	for ctx.Err() == nil {
		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			return
		}
		since := p.revision
		wanted := p.wanted
		p.wanted = nil
		p.mu.Unlock()

		if wanted != nil && *wanted == since {
			return
		}

		more, err := p.syncOnce(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("history.poller.sync_failed",
				"since", string(since),
				"err", err,
			)
			p.retryLater(ctx, wanted)
			return
		}
		if !more {
			return
		}
	}
}

func (p *Poller) syncOnce(ctx context.Context, since wire.Revision) (bool, error) {
	data, err := p.fetcher.HistorySince(ctx, since)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	msgs, deleted := splitHistoryItems(p.mapper, data.Messages)

	done := make(chan struct{})
	p.completion.Execute(func() {
		p.receiver.ReceiveHistoryUpdate(msgs, deleted, func() { close(done) })
	})
	select {
	case <-done:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	if since == "" && !data.HasMore {
		if err := p.meta.SetHistoryEnded(ctx, true); err != nil {
			return false, err
		}
		p.completion.Execute(p.receiver.SetEndOfHistoryReached)
	}

	if data.Revision != "" {
		if err := p.meta.SetRevision(ctx, string(data.Revision)); err != nil {
			return false, err
		}
		p.mu.Lock()
		p.revision = data.Revision
		p.mu.Unlock()
	}

	p.log.Debug("history.poller.synced",
		"since", string(since),
		"revision", string(data.Revision),
		"count", len(msgs),
		"deleted", len(deleted),
		"has_more", data.HasMore,
	)
	return data.HasMore && data.Revision != since, nil
}

func (p *Poller) retryLater(ctx context.Context, wanted *wire.Revision) {
	t := time.NewTimer(p.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	p.mu.Lock()
	if p.wanted == nil {
		p.wanted = wanted
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

package history

import (
	"context"
	"errors"
	"log/slog"

	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/wire"
)

// Fetcher performs the two history queries of the server.
type Fetcher interface {
	// HistoryBefore returns history strictly older than beforeMicros.
	HistoryBefore(ctx context.Context, beforeMicros int64) (*wire.HistoryData, error)
	// HistorySince returns history changed after revision (empty means from scratch).
	HistorySince(ctx context.Context, since wire.Revision) (*wire.HistoryData, error)
}

// RemoteProvider pages history from the server, newest page first.
type RemoteProvider interface {
	// RequestHistoryBefore returns messages older than beforeMicros, ascending,
	// and whether the server holds more.
	RequestHistoryBefore(ctx context.Context, beforeMicros int64) ([]*message.Message, bool, error)
}

// Remote is the RemoteProvider backed by a Fetcher.
type Remote struct {
	fetcher Fetcher
	mapper  message.Mapper
	log     *slog.Logger
}

func NewRemote(fetcher Fetcher, mapper message.Mapper, log *slog.Logger) *Remote {
	if log == nil {
		log = slog.Default()
	}
	return &Remote{fetcher: fetcher, mapper: mapper, log: log}
}

func (r *Remote) RequestHistoryBefore(ctx context.Context, beforeMicros int64) ([]*message.Message, bool, error) {
	if r == nil || r.fetcher == nil {
		return nil, false, errors.New("history: nil remote")
	}
	data, err := r.fetcher.HistoryBefore(ctx, beforeMicros)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	msgs, _ := splitHistoryItems(r.mapper, data.Messages)
	message.SortByTime(msgs)

	r.log.Debug("history.remote.before",
		"before_ts", beforeMicros,
		"count", len(msgs),
		"has_more", data.HasMore,
	)
	return msgs, data.HasMore, nil
}

// splitHistoryItems maps live items and collects the ids of items the server
// reports as deleted.
func splitHistoryItems(mapper message.Mapper, items []*wire.MessageItem) ([]*message.Message, []string) {
	msgs := make([]*message.Message, 0, len(items))
	var deleted []string
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.Deleted {
			if it.ID != "" {
				deleted = append(deleted, it.ID)
			}
			continue
		}
		if m := mapper.History(it); m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, deleted
}

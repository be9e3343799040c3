package message

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewClientSideID returns a ULID used as client-side id for outgoing messages.
// ULIDs sort by creation time, which keeps the send queue ordered in logs.
func NewClientSideID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewOutgoing builds a visitor message waiting in the send queue.
func NewOutgoing(id, text string, now time.Time) *Message {
	if now.IsZero() {
		now = time.Now()
	}
	return &Message{
		ID:         id,
		Type:       TypeVisitor,
		Text:       text,
		TimeMicros: now.UnixMicro(),
		Phase:      PhaseLive,
		SendStatus: SendStatusSending,
	}
}

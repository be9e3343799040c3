// Package auth holds the authorization pair issued by the server on init.
package auth

import (
	"errors"
	"strings"
	"sync/atomic"
)

// ErrIncomplete is returned when page id or token is missing.
var ErrIncomplete = errors.New("auth: page id and token are required")

// Data is the immutable (page id, auth token) pair. Always handled by
// pointer and replaced wholesale, never mutated.
type Data struct {
	PageID string
	Token  string
}

// New validates and builds a Data.
func New(pageID, token string) (*Data, error) {
	pageID = strings.TrimSpace(pageID)
	token = strings.TrimSpace(token)
	if pageID == "" || token == "" {
		return nil, ErrIncomplete
	}
	return &Data{PageID: pageID, Token: token}, nil
}

// SameIdentity reports whether a and b belong to the same page.
func SameIdentity(a, b *Data) bool {
	if a == nil || b == nil {
		return false
	}
	return a.PageID == b.PageID
}

// Rotated reports whether b is a new token for the same page as a.
func Rotated(a, b *Data) bool {
	return SameIdentity(a, b) && a.Token != b.Token
}

// Equal reports full equality of both fields; nil equals nil.
func Equal(a, b *Data) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.PageID == b.PageID && a.Token == b.Token
}

// Holder publishes the current Data to concurrent readers.
// The delta loop writes it; the action loop reads it.
type Holder struct {
	p atomic.Pointer[Data]
}

// Load returns the current value or nil.
func (h *Holder) Load() *Data { return h.p.Load() }

// Store replaces the current value. Passing nil clears it.
func (h *Holder) Store(d *Data) { h.p.Store(d) }

// Swap replaces the value and returns the previous one.
func (h *Holder) Swap(d *Data) *Data { return h.p.Swap(d) }

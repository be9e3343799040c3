package auth

import (
	"errors"
	"sync"
	"testing"
)

func TestNew_RequiresBothFields(t *testing.T) {
	t.Parallel()

	if _, err := New(" ", "tok"); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	d, err := New(" page ", "tok")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.PageID != "page" {
		t.Fatalf("page id not trimmed: %q", d.PageID)
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	a := &Data{PageID: "p1", Token: "t1"}
	rotated := &Data{PageID: "p1", Token: "t2"}
	other := &Data{PageID: "p2", Token: "t1"}

	cases := []struct {
		name     string
		x, y     *Data
		same     bool
		rotated  bool
		equalAll bool
	}{
		{name: "identical", x: a, y: &Data{PageID: "p1", Token: "t1"}, same: true, rotated: false, equalAll: true},
		{name: "token rotated", x: a, y: rotated, same: true, rotated: true, equalAll: false},
		{name: "other page", x: a, y: other, same: false, rotated: false, equalAll: false},
		{name: "nil", x: a, y: nil, same: false, rotated: false, equalAll: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SameIdentity(tc.x, tc.y); got != tc.same {
				t.Fatalf("SameIdentity=%v want %v", got, tc.same)
			}
			if got := Rotated(tc.x, tc.y); got != tc.rotated {
				t.Fatalf("Rotated=%v want %v", got, tc.rotated)
			}
			if got := Equal(tc.x, tc.y); got != tc.equalAll {
				t.Fatalf("Equal=%v want %v", got, tc.equalAll)
			}
		})
	}
	if !Equal(nil, nil) {
		t.Fatalf("nil must equal nil")
	}
}

func TestHolder_ConcurrentReadersSeeWholePairs(t *testing.T) {
	t.Parallel()

	var h Holder
	pairs := []*Data{{PageID: "p1", Token: "t1"}, {PageID: "p2", Token: "t2"}}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Store(pairs[i%2])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			d := h.Load()
			if d == nil {
				continue
			}
			if d.PageID[1] != d.Token[1] {
				t.Errorf("torn read: %+v", d)
				return
			}
		}
	}()
	wg.Wait()

	prev := h.Swap(nil)
	if prev == nil || h.Load() != nil {
		t.Fatalf("swap: prev=%v now=%v", prev, h.Load())
	}
}

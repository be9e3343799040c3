package loop

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// script answers the n-th request (1-based) through respond and records
// every request it saw.
type script struct {
	mu      sync.Mutex
	reqs    []Request
	respond func(ctx context.Context, n int, req Request) (Response, error)
}

func (s *script) Do(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	n := len(s.reqs)
	s.mu.Unlock()
	return s.respond(ctx, n, req)
}

func (s *script) requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.reqs...)
}

func (s *script) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func ok(body string) (Response, error) {
	return Response{Status: http.StatusOK, Body: []byte(body)}, nil
}

// hang blocks until the loop is stopped.
func hang(ctx context.Context) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func fastConfig(t Transport) Config {
	return Config{Transport: t, BackoffUnit: time.Millisecond}
}

func TestPerform_FiveServerErrorsAreTerminal(t *testing.T) {
	s := &script{respond: func(context.Context, int, Request) (Response, error) {
		return Response{Status: http.StatusInternalServerError}, nil
	}}
	reg := prometheus.NewRegistry()
	cfg := fastConfig(s)
	cfg.Metrics = NewMetrics(reg)
	l := newLoop("test", cfg)
	l.Resume()
	defer l.Stop()

	_, err := l.Perform(context.Background(), Request{Path: PathDelta})
	require.ErrorIs(t, err, ErrServerNotAvailable)
	assert.Equal(t, maxConsecutiveErrors, s.count(), "the fifth failure is terminal, no sixth request")
	assert.Equal(t, 5.0, testutil.ToFloat64(cfg.Metrics.requests.WithLabelValues("test", "500")))
	assert.Equal(t, 5.0, testutil.ToFloat64(cfg.Metrics.consecutive.WithLabelValues("test")))
}

func TestPerform_FourServerErrorsThenSuccess(t *testing.T) {
	s := &script{respond: func(_ context.Context, n int, _ Request) (Response, error) {
		if n <= 4 {
			return Response{Status: http.StatusBadGateway}, nil
		}
		return ok(`{}`)
	}}
	l := newLoop("test", fastConfig(s))
	l.Resume()
	defer l.Stop()

	resp, err := l.Perform(context.Background(), Request{Path: PathDelta})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 5, s.count())
}

func TestPerform_AcceptedStatusesReturnBody(t *testing.T) {
	for _, code := range []int{200, 400, 403, 413, 415} {
		s := &script{respond: func(context.Context, int, Request) (Response, error) {
			return Response{Status: code, Body: []byte(`{"error":"x"}`)}, nil
		}}
		l := newLoop("test", fastConfig(s))
		l.Resume()

		resp, err := l.Perform(context.Background(), Request{})
		require.NoError(t, err, "status %d", code)
		assert.Equal(t, code, resp.Status)
		assert.Equal(t, 1, s.count())
		l.Stop()
	}
}

func TestPerform_TransportFailureRetriesAndReportsDisconnect(t *testing.T) {
	s := &script{respond: func(_ context.Context, n int, _ Request) (Response, error) {
		if n <= 7 {
			return Response{}, errors.New("connection refused")
		}
		return ok(`{}`)
	}}
	var disconnects int
	cfg := fastConfig(s)
	cfg.OnDisconnected = func() { disconnects++ }
	l := newLoop("test", cfg)
	l.Resume()
	defer l.Stop()

	_, err := l.Perform(context.Background(), Request{})
	require.NoError(t, err, "transport failures never give up")
	assert.Equal(t, 7, disconnects)
}

func TestLoop_StopInterruptsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	s := &script{respond: func(ctx context.Context, _ int, _ Request) (Response, error) {
		close(started)
		return hang(ctx)
	}}
	d := NewDeltaLoop(DeltaConfig{Config: fastConfig(s), Handler: &recordingHandler{}})
	d.Start()
	d.Start()
	d.Resume()

	<-started
	d.Stop()

	select {
	case <-d.Done():
	default:
		t.Fatalf("loop goroutine still running after Stop")
	}
	assert.False(t, d.Running())
}

func TestLoop_PausedLoopIssuesNoRequest(t *testing.T) {
	s := &script{respond: func(ctx context.Context, _ int, _ Request) (Response, error) { return hang(ctx) }}
	d := NewDeltaLoop(DeltaConfig{Config: fastConfig(s), Handler: &recordingHandler{}})
	d.Start()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, s.count())

	d.Resume()
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)
	d.Stop()
}

func TestLoop_StopBeforeStart(t *testing.T) {
	d := NewDeltaLoop(DeltaConfig{Config: fastConfig(&script{}), Handler: &recordingHandler{}})
	d.Stop()
	d.Start()
	<-d.Done()
}

type recordingHandler struct {
	mu    sync.Mutex
	full  []*wire.FullUpdate
	delta [][]wire.DeltaItem
}

func (h *recordingHandler) ProcessFullUpdate(fu *wire.FullUpdate) {
	h.mu.Lock()
	h.full = append(h.full, fu)
	h.mu.Unlock()
}

func (h *recordingHandler) ProcessDeltaList(list []wire.DeltaItem) {
	h.mu.Lock()
	h.delta = append(h.delta, list)
	h.mu.Unlock()
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.full), len(h.delta)
}

const initBody = `{"revision":10,"fullUpdate":{"pageId":"p1","authToken":"t1","visitSessionId":"s1","visitor":{"id":"v"}}}`

func TestDeltaLoop_RevisionOnlyResetByReinit(t *testing.T) {
	s := &script{respond: func(ctx context.Context, n int, _ Request) (Response, error) {
		switch n {
		case 1:
			return ok(initBody)
		case 2:
			return ok(`{"revision":11,"deltaList":[{"objectType":"CHAT_STATE","event":"upd","data":"chatting"}]}`)
		case 3:
			return ok(`{}`)
		case 4:
			return ok(`{"error":"reinit-required"}`)
		case 5:
			return ok(`{"revision":20,"fullUpdate":{"pageId":"p1","authToken":"t1","visitSessionId":"s1","visitor":{"id":"v"}}}`)
		}
		return hang(ctx)
	}}

	h := &recordingHandler{}
	holder := &auth.Holder{}
	var mu sync.Mutex
	var params []SessionParams
	d := NewDeltaLoop(DeltaConfig{
		Config:   fastConfig(s),
		Handler:  h,
		Auth:     holder,
		DeviceID: "dev-1",
		Title:    "Test",
		OnSessionParams: func(p SessionParams) {
			mu.Lock()
			params = append(params, p)
			mu.Unlock()
		},
	})
	d.Start()
	d.Resume()

	require.Eventually(t, func() bool { return s.count() == 6 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	reqs := s.requests()
	assert.Equal(t, "init", reqs[0].Params.Get("event"))
	assert.Equal(t, "dev-1", reqs[0].Params.Get("device-id"))
	assert.Equal(t, "true", reqs[0].Params.Get("respond-immediately"))
	assert.Equal(t, "10", reqs[1].Params.Get("since"))
	assert.Equal(t, "p1", reqs[1].Params.Get("page-id"))
	assert.Equal(t, "t1", reqs[1].Params.Get("auth-token"))
	assert.Equal(t, "11", reqs[2].Params.Get("since"))
	assert.Equal(t, "11", reqs[3].Params.Get("since"), "a long-poll timeout keeps the revision")
	assert.Equal(t, "init", reqs[4].Params.Get("event"))
	assert.Equal(t, "0", reqs[4].Params.Get("since"))
	assert.Equal(t, "s1", reqs[4].Params.Get("visit-session-id"))
	assert.Equal(t, "20", reqs[5].Params.Get("since"))

	full, deltas := h.counts()
	assert.Equal(t, 2, full)
	assert.Equal(t, 1, deltas)
	assert.Equal(t, int64(20), d.Since())
	assert.Equal(t, &auth.Data{PageID: "p1", Token: "t1"}, holder.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, params, 1, "unchanged parameters after reinit are not reported again")
	assert.Equal(t, "s1", params[0].SessionID)
	assert.Equal(t, `{"id":"v"}`, params[0].VisitorJSON)
}

func TestDeltaLoop_RevisionNeverMovesBackwards(t *testing.T) {
	s := &script{respond: func(ctx context.Context, n int, _ Request) (Response, error) {
		switch n {
		case 1:
			return ok(initBody)
		case 2:
			return ok(`{"revision":15,"deltaList":[{"objectType":"CHAT_STATE","event":"upd","data":"chatting"}]}`)
		case 3:
			return ok(`{"revision":12,"deltaList":[{"objectType":"CHAT_STATE","event":"upd","data":"queue"}]}`)
		}
		return hang(ctx)
	}}

	h := &recordingHandler{}
	d := NewDeltaLoop(DeltaConfig{
		Config:   fastConfig(s),
		Handler:  h,
		Auth:     &auth.Holder{},
		DeviceID: "dev-1",
	})
	d.Start()
	d.Resume()

	require.Eventually(t, func() bool { return s.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	d.Stop()

	reqs := s.requests()
	assert.Equal(t, "15", reqs[2].Params.Get("since"))
	assert.Equal(t, "15", reqs[3].Params.Get("since"), "an older revision from the server is ignored")
	assert.Equal(t, int64(15), d.Since())

	_, deltas := h.counts()
	assert.Equal(t, 2, deltas)
}

func TestDeltaLoop_ProvidedTokenRetriedThenRefreshed(t *testing.T) {
	s := &script{respond: func(ctx context.Context, n int, _ Request) (Response, error) {
		if n <= tokenNotFoundRetries+1 {
			return ok(`{"error":"provided-auth-token-not-found"}`)
		}
		return hang(ctx)
	}}

	refreshed := make(chan struct{}, 1)
	d := NewDeltaLoop(DeltaConfig{
		Config:                 fastConfig(s),
		Handler:                &recordingHandler{},
		ProvidedAuthToken:      "provided",
		TokenRetryDelay:        time.Millisecond,
		OnProvidedTokenRefresh: func() { refreshed <- struct{}{} },
	})
	d.Start()
	d.Resume()
	defer d.Stop()

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatalf("refresh callback not called")
	}
	assert.GreaterOrEqual(t, s.count(), tokenNotFoundRetries+1)
	assert.Equal(t, "provided", s.requests()[0].Params.Get("provided_auth_token"))
}

func TestDeltaLoop_FatalCodeStopsLoop(t *testing.T) {
	s := &script{respond: func(context.Context, int, Request) (Response, error) {
		return ok(`{"error":"visitor-banned"}`)
	}}

	fatal := make(chan error, 1)
	var codes []string
	cfg := fastConfig(s)
	cfg.OnFatal = func(err error) { fatal <- err }
	d := NewDeltaLoop(DeltaConfig{
		Config:          cfg,
		Handler:         &recordingHandler{},
		OnInternalError: func(code, _ string) { codes = append(codes, code) },
	})
	d.Start()
	d.Resume()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrVisitorRejected)
		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, wire.ErrCodeVisitorBanned, se.Code)
	case <-time.After(2 * time.Second):
		t.Fatalf("fatal handler not called")
	}
	<-d.Done()
	assert.Equal(t, 1, s.count())
	assert.Equal(t, []string{wire.ErrCodeVisitorBanned}, codes)
	d.Stop()
}

func TestDeltaLoop_ServerNotAvailableIsFatal(t *testing.T) {
	s := &script{respond: func(context.Context, int, Request) (Response, error) {
		return Response{Status: http.StatusInternalServerError}, nil
	}}

	fatal := make(chan error, 1)
	cfg := fastConfig(s)
	cfg.OnFatal = func(err error) { fatal <- err }
	d := NewDeltaLoop(DeltaConfig{Config: cfg, Handler: &recordingHandler{}})
	d.Start()
	d.Resume()

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrServerNotAvailable)
	case <-time.After(2 * time.Second):
		t.Fatalf("fatal handler not called")
	}
	<-d.Done()
	assert.Equal(t, 5, s.count())
}

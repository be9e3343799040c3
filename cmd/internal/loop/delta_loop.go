package loop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/cmd/internal/auth"
	"chatsync/cmd/internal/wire"
)

// DeltaHandler consumes what the delta loop receives. It is called on the
// completion executor.
type DeltaHandler interface {
	ProcessFullUpdate(fu *wire.FullUpdate)
	ProcessDeltaList(list []wire.DeltaItem)
}

// SessionParams is what a client persists to resume the same visitor session.
type SessionParams struct {
	VisitorJSON string
	SessionID   string
	Auth        *auth.Data
}

// DeltaConfig configures a DeltaLoop.
type DeltaConfig struct {
	Config
	Handler DeltaHandler
	// Auth is shared with the action loop. Required.
	Auth *auth.Holder

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

	// TokenRetryDelay is the pause between provided-auth-token-not-found
	// retries. Defaults to one second.
	TokenRetryDelay time.Duration

	OnSessionParams func(SessionParams)
	// OnInternalError receives error codes the loop does not handle itself.
	OnInternalError func(code, path string)
	// OnProvidedTokenRefresh is called once the provided token was rejected
	// too many times in a row.
	OnProvidedTokenRefresh func()
	Now                    func() time.Time
}

// DeltaLoop long-polls the delta endpoint and feeds a DeltaHandler.
type DeltaLoop struct {
	*Loop
	cfg  DeltaConfig
	auth *auth.Holder

	since atomic.Int64

	mu            sync.Mutex
	pushToken     string
	providedToken string

	// loop goroutine only.
	visitorJSON   string
	sessionID     string
	notified      *auth.Data
	tokenFailures int
}

// NewDeltaLoop builds a paused DeltaLoop. A non-nil cfg.Auth value resumes
// an earlier session.
func NewDeltaLoop(cfg DeltaConfig) *DeltaLoop {
	if cfg.Auth == nil {
		cfg.Auth = &auth.Holder{}
	}
	if cfg.Platform == "" {
		cfg.Platform = defaultPlatform
	}
	if cfg.TokenRetryDelay <= 0 {
		cfg.TokenRetryDelay = tokenNotFoundDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DeltaLoop{
		Loop:          newLoop("delta", cfg.Config),
		cfg:           cfg,
		auth:          cfg.Auth,
		pushToken:     cfg.PushToken,
		providedToken: cfg.ProvidedAuthToken,
		visitorJSON:   cfg.VisitorJSON,
		sessionID:     cfg.SessionID,
		notified:      cfg.Auth.Load(),
	}
}

// Start spawns the loop goroutine. Calling it again is a no-op.
func (d *DeltaLoop) Start() { d.start(d.run) }

// Since returns the current delta revision; zero forces an init request.
func (d *DeltaLoop) Since() int64 { return d.since.Load() }

// SetPushToken changes the push token sent with the next init request.
func (d *DeltaLoop) SetPushToken(token string) {
	d.mu.Lock()
	d.pushToken = token
	d.mu.Unlock()
}

// SetProvidedAuthToken replaces the provided token, usually from the
// OnProvidedTokenRefresh callback.
func (d *DeltaLoop) SetProvidedAuthToken(token string) {
	d.mu.Lock()
	d.providedToken = token
	d.mu.Unlock()
}

func (d *DeltaLoop) run(ctx context.Context) error {
	for {
		if err := d.iterate(ctx); err != nil {
			return err
		}
	}
}

func (d *DeltaLoop) iterate(ctx context.Context) error {
	a := d.auth.Load()
	if a == nil || d.since.Load() == 0 {
		return d.requestInit(ctx)
	}
	return d.requestDelta(ctx, a)
}

func (d *DeltaLoop) initParams() url.Values {
	v := url.Values{}
	v.Set("device-id", d.cfg.DeviceID)
	v.Set("event", "init")
	v.Set("location", d.cfg.Location)
	v.Set("platform", d.cfg.Platform)
	v.Set("respond-immediately", "true")
	v.Set("since", "0")
	v.Set("title", d.cfg.Title)
	v.Set("ts", strconv.FormatInt(d.cfg.Now().UnixMilli(), 10))

	d.mu.Lock()
	push, provided := d.pushToken, d.providedToken
	d.mu.Unlock()

	setIf(v, "app-version", d.cfg.AppVersion)
	setIf(v, "push-token", push)
	setIf(v, "visit-session-id", d.sessionID)
	setIf(v, "visitor", d.visitorJSON)
	setIf(v, "visitor-ext", d.cfg.VisitorFieldsJSON)
	setIf(v, "provided_auth_token", provided)
	return v
}

func (d *DeltaLoop) requestInit(ctx context.Context) error {
	req := Request{Method: http.MethodGet, Path: PathDelta, Params: d.initParams()}
	resp, err := d.Perform(ctx, req)
	if err != nil {
		return err
	}
	if code := wire.PeekError(resp.Body); code != "" {
		return d.handleError(ctx, code)
	}
	d.tokenFailures = 0

	var dr wire.DeltaResponse
	if err := json.Unmarshal(resp.Body, &dr); err != nil {
		d.log.Warn("loop.delta.decode_failed", "event", "init", "err", err)
		return d.sleep(ctx, d.unit)
	}
	if len(dr.DeltaList) > 0 || dr.FullUpdate == nil {
		d.log.Warn("loop.delta.incorrect_answer", "err", ErrIncorrectServerAnswer,
			"deltas", len(dr.DeltaList), "full_update", dr.FullUpdate != nil)
		return d.sleep(ctx, d.unit)
	}
	if dr.Revision != nil {
		d.since.Store(*dr.Revision)
	}
	d.process(dr.FullUpdate)
	if d.auth.Load() == nil {
		return d.sleep(ctx, d.unit)
	}
	return nil
}

func (d *DeltaLoop) requestDelta(ctx context.Context, a *auth.Data) error {
	v := url.Values{}
	v.Set("since", strconv.FormatInt(d.since.Load(), 10))
	v.Set("ts", strconv.FormatInt(d.cfg.Now().UnixMilli(), 10))
	v.Set("page-id", a.PageID)
	v.Set("auth-token", a.Token)

	resp, err := d.Perform(ctx, Request{Method: http.MethodGet, Path: PathDelta, Params: v})
	if err != nil {
		return err
	}
	if code := wire.PeekError(resp.Body); code != "" {
		return d.handleError(ctx, code)
	}

	var dr wire.DeltaResponse
	if err := json.Unmarshal(resp.Body, &dr); err != nil {
		d.log.Warn("loop.delta.decode_failed", "event", "delta", "err", err)
		return d.sleep(ctx, d.unit)
	}
	if dr.Revision == nil {
		// Long-poll timeout.
		return nil
	}
	d.advance(*dr.Revision)

	switch {
	case dr.FullUpdate != nil:
		d.process(dr.FullUpdate)
	case len(dr.DeltaList) > 0:
		list := dr.DeltaList
		d.completion.Execute(func() { d.cfg.Handler.ProcessDeltaList(list) })
	}
	return nil
}

// handleError reacts to an error code in a delta response. Only fatal codes
// end the loop.
// advance moves the revision forward. Only a reinit may lower it.
func (d *DeltaLoop) advance(rev int64) {
	if cur := d.since.Load(); rev < cur {
		d.log.Warn("loop.delta.revision_regressed", "since", cur, "revision", rev)
		return
	}
	d.since.Store(rev)
}

func (d *DeltaLoop) handleError(ctx context.Context, code string) error {
	switch {
	case code == wire.ErrCodeReinitRequired:
		d.log.Info("loop.delta.reinit")
		d.auth.Store(nil)
		d.since.Store(0)
		return nil

	case code == wire.ErrCodeProvidedAuthTokenMissing:
		d.tokenFailures++
		if d.tokenFailures > tokenNotFoundRetries {
			d.tokenFailures = 0
			d.log.Warn("loop.delta.provided_token_rejected")
			if d.cfg.OnProvidedTokenRefresh != nil {
				d.completion.Execute(d.cfg.OnProvidedTokenRefresh)
			}
		}
		return d.sleep(ctx, d.cfg.TokenRetryDelay)

	case wire.IsFatal(code):
		d.reportInternal(code)
		return &ServerError{Path: PathDelta, Code: code}
	}

	d.log.Warn("loop.delta.server_error", "code", code)
	d.reportInternal(code)
	return d.sleep(ctx, d.unit)
}

func (d *DeltaLoop) reportInternal(code string) {
	if d.cfg.OnInternalError == nil {
		return
	}
	d.completion.Execute(func() { d.cfg.OnInternalError(code, PathDelta) })
}

// process swaps in the authorization carried by fu and hands fu to the
// handler. Listeners hear about the session parameters only when one of them
// differs from what they were last told.
func (d *DeltaLoop) process(fu *wire.FullUpdate) {
	next, err := auth.New(fu.PageID, fu.AuthToken)
	if err != nil {
		d.log.Warn("loop.delta.auth_missing", "err", err)
	} else {
		d.auth.Store(next)
	}
	visitor := string(fu.Visitor)

	changed := visitor != d.visitorJSON || fu.VisitSessionID != d.sessionID || !auth.Equal(d.notified, next)
	if changed {
		d.visitorJSON = visitor
		d.sessionID = fu.VisitSessionID
		d.notified = next
		if d.cfg.OnSessionParams != nil {
			p := SessionParams{VisitorJSON: visitor, SessionID: fu.VisitSessionID, Auth: next}
			d.completion.Execute(func() { d.cfg.OnSessionParams(p) })
		}
	}

	d.completion.Execute(func() { d.cfg.Handler.ProcessFullUpdate(fu) })
}

func setIf(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

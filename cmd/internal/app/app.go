// Package app wires the chatsync client runtime: config, logging, history
// storage, the chat session and the optional ops endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/loop"
	"chatsync/cmd/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is one configured chat client: it owns the history store, the
// session and the ops server.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	stores   *stores
	sess     *session.Session
}

// New builds an App. tune may adjust the session config before the session
// is created, typically to install listeners.
func New(ctx context.Context, cfg Config, log Logger, tune ...func(*session.Config)) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	deltaTr, err := loop.NewHTTPTransport(cfg.ServerURL, &http.Client{Timeout: cfg.DeltaTimeout}, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	actionTr, err := loop.NewHTTPTransport(cfg.ServerURL, &http.Client{Timeout: cfg.ActionTimeout}, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	var reg *prometheus.Registry
	scfg := session.Config{
		Transport:         deltaTr,
		ActionTransport:   actionTr,
		ServerURL:         cfg.ServerURL,
		Storage:           st.storage,
		Meta:              st.meta,
		Logger:            log,
		DeviceID:          cfg.DeviceID,
		Location:          cfg.Location,
		Title:             cfg.Title,
		AppVersion:        cfg.AppVersion,
		PushToken:         cfg.PushToken,
		VisitorJSON:       cfg.VisitorJSON,
		VisitorFieldsJSON: cfg.VisitorFieldsJSON,
		ProvidedAuthToken: cfg.ProvidedAuthToken,
		ActionRate:        cfg.ActionRate,
		PollInterval:      cfg.PollInterval,
		OnFatal: func(err error) {
			log.Error("session.fatal_error", "err", err)
		},
		OnDisconnected: func() {
			log.Warn("session.disconnected")
		},
		OnInternalError: func(code, path string) {
			log.Warn("session.server_error", "code", code, "path", path)
		},
	}
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		scfg.Registerer = reg
	}
	for _, f := range tune {
		f(&scfg)
	}

	sess, err := session.New(scfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &App{cfg: cfg, log: log, registry: reg, stores: st, sess: sess}, nil
}

// Session returns the chat session.
func (a *App) Session() *session.Session { return a.sess }

// Run runs the session, and the ops server when metrics are enabled, until
// ctx is done or the session ends. The history store is closed on return.
func (a *App) Run(ctx context.Context) error {
	defer a.stores.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.sess.Run(gctx)
	})

	if a.cfg.MetricsEnabled {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           newOpsHandler(a.log, a.registry, a.sess, a.stores.pool),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("ops.start", "addr", a.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	a.log.Info("app.stopped", "err", err)
	return err
}

// stores is the history backend picked by Config.HistoryStore.
type stores struct {
	storage history.Storage
	meta    history.MetaStorage
	pool    *pgxpool.Pool
}

func openStores(ctx context.Context, cfg Config, log Logger) (*stores, error) {
	switch cfg.HistoryStore {
	case StorePebble:
		ps, err := history.OpenPebbleStorage(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		log.Info("history.store", "kind", StorePebble, "dir", cfg.PebbleDir)
		return &stores{storage: ps, meta: ps}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		ps, err := history.NewPostgresStorage(pool, history.WithSchema(cfg.DBSchema))
		if err == nil {
			err = ps.ApplySchema(ctx)
		}
		if err == nil {
			err = ps.Prepare(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("history.store", "kind", StorePostgres, "schema", cfg.DBSchema)
		return &stores{storage: ps, meta: ps, pool: pool}, nil

	default:
		log.Info("history.store", "kind", StoreMemory)
		return &stores{storage: history.NewMemoryStorage(), meta: history.NewMemoryMeta()}, nil
	}
}

// Close releases the store. The pool is owned here; PostgresStorage.Close
// is a no-op.
func (s *stores) Close() {
	if s == nil {
		return
	}
	if s.storage != nil {
		_ = s.storage.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

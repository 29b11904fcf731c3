package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/agent/core"
	"github.com/voyatrip/voya/internal/agent/telemetry"
	"github.com/voyatrip/voya/internal/guides"
	"github.com/voyatrip/voya/internal/notify"
	"github.com/voyatrip/voya/internal/payments"
	"github.com/voyatrip/voya/internal/places"
	"github.com/voyatrip/voya/internal/queue/streams"
	"github.com/voyatrip/voya/internal/runtime"
	"github.com/voyatrip/voya/internal/search"
	"github.com/voyatrip/voya/internal/travel"
	"github.com/voyatrip/voya/provider/gemini"
)

// Run wires every dependency and serves the API until the process exits.
// cfgPath may be empty; config discovery then falls back to the usual
// locations and VOYA_* environment variables.
func Run(cfgPath, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		if code >= http.StatusInternalServerError {
			baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}

	cfg := appconfig.LoadConfig(cfgPath)

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://"+cfg.Storage.Postgres.MigrationsPath, dsn, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	stores, err := runtime.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	docs, ledger, rdb := stores.Docs, stores.Ledger, stores.Redis
	if err := docs.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	llmProvider, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}
	var geminiClient *gemini.Client
	if gp, ok := llmProvider.(*core.GeminiProvider); ok {
		geminiClient = gp.Client()
	}

	searcher, err := travel.NewClient(cfg.Amadeus)
	if err != nil {
		return err
	}

	var placesClient *places.Client
	if cfg.Places.APIKey != "" {
		placesClient, err = places.NewClient(cfg.Places)
		if err != nil {
			return err
		}
	}
	var finder guides.AttractionFinder
	if placesClient != nil {
		finder = placesClient
	}
	guideSvc := guides.New(cfg.Guides, nil, finder, llmProvider, cfg.LLM.Routing.Summary)

	notifySvc, err := notify.New(ctx, cfg.Firebase)
	if err != nil {
		return err
	}

	var paymentsSvc *payments.Service
	if cfg.Payments.SecretKey != "" {
		paymentsSvc, err = payments.New(cfg.Payments)
		if err != nil {
			return err
		}
	}

	idx, err := search.Open(cfg.Search.IndexPath)
	if err != nil {
		return err
	}

	// Booking pipeline: the API enqueues, the worker binary settles.
	pub := streams.NewPublisher(rdb)
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamBookingRequested, streams.GroupBookingWorkers); err != nil {
		return err
	}
	if err := streams.EnsureGroup(ctx, rdb, streams.StreamBookingSettled, streams.GroupBookingWorkers); err != nil {
		return err
	}
	booker := streams.NewEnqueuer(docs, pub)

	agentState := newAgentStore(docs, ledger)
	agentLogger := log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	agent, err := core.NewTravelAgent(cfg, agentLogger, tele, core.AgentDeps{
		Searcher:      searcher,
		Trips:         docs,
		Sessions:      agentState,
		Conversations: agentState,
		Usage:         ledger,
		Booker:        booker,
		Guides:        guideSvc,
		Approvals:     newApprovalNotifier(ledger, docs, notifySvc),
		Index:         idx,
		LLM:           llmProvider,
	})
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")

	auth := &AuthHandler{Docs: docs, Secret: secret}
	auth.Register(api.Group("/auth"))

	authed := api.Group("", runtime.EchoAuthMiddleware(secret))
	auth.RegisterProfile(authed)

	(&ChatHandler{Agent: agent, Docs: docs}).Register(authed)

	tts := &TTSHandler{Model: cfg.LLM.Routing.TTS}
	if geminiClient != nil {
		tts.Synth = geminiClient
	}
	tts.Register(authed)

	sessionsGroup := authed.Group("/chat/sessions")
	(&SessionsHandler{Docs: docs}).Register(sessionsGroup)
	(&BudgetHandler{Ledger: ledger, Docs: docs, Booker: booker}).Register(sessionsGroup)

	trips := &TripsHandler{Docs: docs, Agent: agent, Index: idx}
	if placesClient != nil {
		trips.Places = placesClient
	}
	trips.Register(authed.Group("/trips"))

	bookings := &BookingsHandler{Docs: docs, Ledger: ledger, Telemetry: tele}
	if paymentsSvc != nil {
		bookings.Payments = paymentsSvc
	}
	bookings.Register(authed.Group("/bookings"))

	(&DestinationsHandler{Guides: guideSvc}).Register(authed.Group("/destinations"))

	admin := api.Group("/admin", runtime.EchoAuthMiddleware(secret), runtime.RequireScopes("admin"))
	(&AdminHandler{Docs: docs, Ledger: ledger}).Register(admin)

	ops := &OpsHandler{Agent: agent, Docs: docs, Ledger: ledger, Redis: rdb, Started: time.Now()}
	ops.Register(api.Group("/ops", runtime.EchoAuthMiddleware(secret), runtime.RequireScopes("admin")))

	live := &LiveHandler{
		Agent:   agent,
		Docs:    docs,
		Redis:   rdb,
		Model:   cfg.LLM.Routing.Live,
		Origins: cfg.Server.CORSOrigins,
		Logger:  log.New(log.Writer(), "[LIVE] ", log.LstdFlags),
	}
	if geminiClient != nil {
		live.LiveURL = geminiClient.LiveURL()
	}
	live.Register(e.Group("/ws", runtime.EchoAuthMiddleware(secret)))

	sched := &Scheduler{
		Docs:   docs,
		Rdb:    rdb,
		Agent:  agent,
		Index:  idx,
		Notify: notifySvc,
		Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	sched.Start(ctx)

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("voya api listening on %s", addr)
	return e.Start(addr)
}

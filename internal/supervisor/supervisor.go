// Package supervisor implements process supervision (spec §4.9, C9):
// heartbeat-driven reconnect with backoff, periodic session save, retention
// cleanup, a bounded error ring, and graceful shutdown of every background
// loop. It is also the top-level orchestrator that boots C1-C8 and C10 in
// the right order, the way internal/gateway/gateway.go's Start/Stop
// sequences the teacher's channels/agents/cronjob/http-server.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/consts"
	"github.com/tgifai/wxfhbridge/internal/dispatch"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/engine/trace"
	"github.com/tgifai/wxfhbridge/internal/httpapi"
	"github.com/tgifai/wxfhbridge/internal/ingest"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/plugin/builtin"
	"github.com/tgifai/wxfhbridge/internal/scheduler"
	"github.com/tgifai/wxfhbridge/internal/store"
)

// ErrorEntry is one row of the bounded stability error ring (spec §4.9
// "Error ring", §7 "Background-task errors").
type ErrorEntry struct {
	Timestamp string `json:"timestamp"` // ISO-8601
	Source    string `json:"source"`
	Message   string `json:"message"`
}

// Supervisor owns every long-lived component and the background loops
// that keep them healthy. It is constructed once at boot by cmd/bridge.
type Supervisor struct {
	cfg *config.Config

	Tracer   *trace.Recorder
	Engine   *engine.Engine
	Store    *store.Store
	Registry *plugin.Registry
	Dispatch *dispatch.Dispatcher
	Sched    *scheduler.Scheduler
	Ingest   *ingest.Loop
	HTTP     *httpapi.Server

	cron *cron.Cron

	mu             sync.Mutex
	errRing        []ErrorEntry
	reconnectCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires up C1-C8 in dependency order but does not start any loop.
func New(cfg *config.Config) (*Supervisor, error) {
	tracer := trace.NewRecorder(cfg.Trace.Enabled, cfg.Trace.Redact, cfg.Trace.MaxBody, cfg.Storage.TraceDir)

	// No dedicated env var names the session file (spec §6); it is kept
	// alongside the message store, the way original_source/config.py
	// derives every persistence path from one data directory.
	sessionPath := filepath.Join(filepath.Dir(cfg.Storage.MessageDBPath), "session.json")

	eng, err := engine.New(cfg.Engine.EntryHost, cfg.Engine.LoginCallbackURL, sessionPath, tracer)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	st, err := store.Open(cfg.Storage.MessageDBPath)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	reg := plugin.NewRegistry()
	disp := dispatch.New(reg, eng, st, cfg)

	sched := scheduler.NewScheduler(cfg.Storage.TaskFile,
		func(ctx context.Context, commandText string) (string, error) {
			msg := engine.InboundMessage{ID: "", Kind: engine.KindText, Content: commandText, Timestamp: time.Now()}
			return disp.Dispatch(ctx, msg, false)
		},
		eng.SendText,
	)
	disp.SetScheduler(sched)

	ingestLoop := ingest.New(eng, disp, st, cfg)

	sv := &Supervisor{
		cfg:      cfg,
		Tracer:   tracer,
		Engine:   eng,
		Store:    st,
		Registry: reg,
		Dispatch: disp,
		Sched:    sched,
		Ingest:   ingestLoop,
		errRing:  make([]ErrorEntry, 0, consts.StabilityErrorRingSize),
	}
	sv.HTTP = httpapi.New(httpapi.Deps{
		Config:    cfg,
		Engine:    eng,
		Store:     st,
		Dispatch:  disp,
		Scheduler: sched,
		Registry:  reg,
		Tracer:    tracer,
		Stability: func() any { return sv.GetStability() },
		Reload:    sv.Reload,
	})
	return sv, nil
}

// Reload re-imports every compile-time plugin (spec §4.5 "Reload clears the
// registry, re-imports every plugin, and returns updated status"), called
// from the HTTP surface's POST /plugins/reload.
func (sv *Supervisor) Reload() plugin.Status {
	sv.Registry.Reload(sv.Plugins(), sv.deps())
	return sv.Registry.GetStatus()
}

// deps builds the dependency-injection bundle published into the plugin
// registry at boot (spec §4.5 "Dependency injection").
func (sv *Supervisor) deps() *plugin.Deps {
	return &plugin.Deps{
		Engine:     sv.Engine,
		Dispatcher: sv.Dispatch,
		Config:     sv.cfg,
		Store:      sv.Store,
		Scheduler:  sv.Sched,
		Registry:   sv.Registry,
	}
}

// Plugins is the compile-time plugin list this build ships with (spec's
// Design Notes: "plugins linked into the binary and self-register through
// an init list"). Additional plugins are appended here as the repo grows.
func (sv *Supervisor) Plugins() []plugin.Plugin {
	return []plugin.Plugin{builtin.Plugin()}
}

// Start boots every component in dependency order and launches every
// background loop (spec §4.9, and the orchestration grounded on
// internal/gateway/gateway.go's Start).
func (sv *Supervisor) Start(ctx context.Context) error {
	ctx, sv.cancel = context.WithCancel(ctx)

	sv.Tracer.Start(ctx)

	sv.Registry.Load(sv.Plugins(), sv.deps())
	if err := sv.Registry.RunOnLoad(ctx, sv.deps()); err != nil {
		return fmt.Errorf("run on_load hooks: %w", err)
	}

	if err := sv.Sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	sv.Ingest.Start(ctx)
	sv.HTTP.Start(ctx)

	sv.cron = cron.New()
	if _, err := sv.cron.AddFunc("@every 60s", func() { sv.saveSessionTick(ctx) }); err != nil {
		return fmt.Errorf("schedule session-save tick: %w", err)
	}
	if _, err := sv.cron.AddFunc("@every 3600s", func() { sv.retentionTick(ctx) }); err != nil {
		return fmt.Errorf("schedule retention tick: %w", err)
	}
	sv.cron.Start()

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		sv.heartbeatLoop(ctx)
	}()

	setLoggedInGauge(sv.Engine.IsLoggedIn())
	logs.CtxInfo(ctx, "[supervisor] started")
	return nil
}

// Stop cancels every background loop, flushes the trace buffer, persists
// the session, and closes the message store (spec §4.9 "Graceful shutdown").
func (sv *Supervisor) Stop(ctx context.Context) {
	if sv.cancel != nil {
		sv.cancel()
	}

	if err := sv.HTTP.Stop(ctx); err != nil {
		logs.CtxWarn(ctx, "[supervisor] stop http server: %v", err)
	}
	sv.Ingest.Stop()
	sv.Sched.Stop()
	if sv.cron != nil {
		cronCtx := sv.cron.Stop()
		<-cronCtx.Done()
	}
	sv.wg.Wait()

	sv.Registry.RunOnUnload(ctx, sv.deps())

	sv.Tracer.Stop()

	if err := sv.Engine.SaveSession(); err != nil {
		logs.CtxWarn(ctx, "[supervisor] save session on shutdown: %v", err)
	}
	if err := sv.Store.Close(); err != nil {
		logs.CtxWarn(ctx, "[supervisor] close store: %v", err)
	}

	logs.CtxInfo(ctx, "[supervisor] stopped")
}

// heartbeatLoop issues synccheck every HEARTBEAT_INTERVAL seconds and
// drives reconnect-with-backoff on loginout (spec §4.9 "Heartbeat").
func (sv *Supervisor) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(sv.cfg.Supervise.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.heartbeatTick(ctx)
		}
	}
}

func (sv *Supervisor) heartbeatTick(ctx context.Context) {
	if !sv.Engine.IsLoggedIn() {
		return
	}
	start := time.Now()
	result := sv.Engine.SyncCheck(ctx)
	heartbeatLatency.Observe(time.Since(start).Seconds())

	if result != engine.SyncLogout {
		setLoggedInGauge(sv.Engine.IsLoggedIn())
		return
	}

	setLoggedInGauge(false)
	sv.mu.Lock()
	sv.reconnectCount++
	attempt := sv.reconnectCount
	sv.mu.Unlock()
	reconnectAttempts.Inc()

	logs.CtxWarn(ctx, "[supervisor] synccheck loginout, reconnect attempt %d", attempt)

	if attempt > sv.cfg.Supervise.MaxReconnectAttempts {
		sv.recordError(ctx, "heartbeat", fmt.Sprintf("reconnect attempts exhausted after %d tries", attempt-1))
		return
	}

	delay := time.Duration(sv.cfg.Supervise.ReconnectDelay) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := sv.Engine.ReloadSession(); err != nil {
		sv.recordError(ctx, "heartbeat", fmt.Sprintf("reload session: %v", err))
		return
	}
	recovered, err := sv.Engine.CheckLoginStatus(ctx, true)
	if err != nil {
		sv.recordError(ctx, "heartbeat", fmt.Sprintf("check login status: %v", err))
		return
	}
	if recovered {
		sv.mu.Lock()
		sv.reconnectCount = 0
		sv.mu.Unlock()
		setLoggedInGauge(true)
		logs.CtxInfo(ctx, "[supervisor] reconnected")
	}
}

// saveSessionTick persists the session every 60s while logged in (spec
// §4.9 "Session saver").
func (sv *Supervisor) saveSessionTick(ctx context.Context) {
	if !sv.Engine.IsLoggedIn() {
		return
	}
	if err := sv.Engine.SaveSession(); err != nil {
		sv.recordError(ctx, "session-saver", err.Error())
	}
}

// retentionTick sweeps old files (and messages) when retention is enabled
// (spec §4.9 "Retention").
func (sv *Supervisor) retentionTick(ctx context.Context) {
	days := sv.cfg.Storage.FileRetentionDays
	if days <= 0 {
		return
	}
	if _, err := sv.Store.CleanupOldFiles(days, true); err != nil {
		sv.recordError(ctx, "retention", err.Error())
	}
	if _, err := sv.Store.CleanupOldMessages(days); err != nil {
		sv.recordError(ctx, "retention", err.Error())
	}
}

// recordError appends to the bounded 20-entry error ring (spec §4.9
// "Error ring", §7 "Background-task errors").
func (sv *Supervisor) recordError(ctx context.Context, source, message string) {
	logs.CtxError(ctx, "[supervisor] %s: %s", source, message)

	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.errRing = append(sv.errRing, ErrorEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
		Message:   message,
	})
	if len(sv.errRing) > consts.StabilityErrorRingSize {
		sv.errRing = sv.errRing[len(sv.errRing)-consts.StabilityErrorRingSize:]
	}
}

// Stability is the /stability introspection payload (spec §7).
type Stability struct {
	LoggedIn       bool         `json:"logged_in"`
	ReconnectCount int          `json:"reconnect_count"`
	Errors         []ErrorEntry `json:"errors"`
}

func (sv *Supervisor) GetStability() Stability {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	errs := make([]ErrorEntry, len(sv.errRing))
	copy(errs, sv.errRing)
	return Stability{
		LoggedIn:       sv.Engine.IsLoggedIn(),
		ReconnectCount: sv.reconnectCount,
		Errors:         errs,
	}
}

// Package httpapi implements the HTTP surface (spec §4.6 table in §6, C10):
// a TG-Bot-API-compatible router, a WeChat-native extensions router, and a
// framework/files router on one Hertz server — the "Modular router split"
// supplement in SPEC_FULL.md. Only the bot router is a route group (/bot);
// the other two register their routes at root paths.
//
// Grounded structurally on internal/gateway/gateway.go's initHTTPServer
// (hzServer.Default + app.RequestContext handlers + Spin/Shutdown), with
// the three-router split modeled on routes/__init__.py's mount layout.
package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	prometheustracer "github.com/hertz-contrib/monitor-prometheus"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/dispatch"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/engine/trace"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/scheduler"
	"github.com/tgifai/wxfhbridge/internal/store"
)

// Server is the Hertz-backed HTTP surface. It owns no business state of its
// own; every route reads from the components the supervisor constructed.
type Server struct {
	hz *hzServer.Hertz

	cfg       *config.Config
	eng       *engine.Engine
	st        *store.Store
	disp      *dispatch.Dispatcher
	sched     *scheduler.Scheduler
	reg       *plugin.Registry
	tracer    *trace.Recorder
	stability func() any
	reload    func() plugin.Status
}

// Deps bundles the components every route group reads from. Stability and
// Reload are funcs, not concrete types, so this package never imports
// internal/supervisor (which in turn constructs this package) — spec
// §4.9/§7's /stability payload is whatever Stability returns, and Reload is
// the supervisor's own Registry.Reload bound with its plugin list and deps,
// since only the supervisor holds the Plugins() slice Reload needs.
type Deps struct {
	Config    *config.Config
	Engine    *engine.Engine
	Store     *store.Store
	Dispatch  *dispatch.Dispatcher
	Scheduler *scheduler.Scheduler
	Registry  *plugin.Registry
	Tracer    *trace.Recorder
	Stability func() any
	Reload    func() plugin.Status
}

func New(deps Deps) *Server {
	bind := deps.Config.HTTP.Bind
	if bind == "" {
		bind = ":8000"
	}

	hz := hzServer.Default(
		hzServer.WithHostPorts(bind),
		hzServer.WithReadTimeout(30*time.Second),
		hzServer.WithWriteTimeout(30*time.Second),
		hzServer.WithExitWaitTime(5*time.Second),
		hzServer.WithTracer(prometheustracer.NewServerTracer("", "/hertzmetrics")),
	)

	s := &Server{
		hz:        hz,
		cfg:       deps.Config,
		eng:       deps.Engine,
		st:        deps.Store,
		disp:      deps.Dispatch,
		sched:     deps.Scheduler,
		reg:       deps.Registry,
		tracer:    deps.Tracer,
		stability: deps.Stability,
		reload:    deps.Reload,
	}

	s.registerHealth()
	s.registerBotAPI(hz.Group("/bot"))
	s.registerWeChatNative(hz)
	s.registerFramework(hz)
	s.registerPluginRoutes()

	if deps.Config.Storage.DownloadDir != "" {
		hz.Static("/static", deps.Config.Storage.DownloadDir)
	}

	return s
}

func (s *Server) registerHealth() {
	s.hz.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}

// registerPluginRoutes mounts every route a plugin contributed during load
// (spec §4.5 "route(method, path, name, tags[])").
func (s *Server) registerPluginRoutes() {
	for _, r := range s.reg.Routes() {
		s.hz.Handle(r.Method, r.Path, r.Handler)
	}
}

func (s *Server) Start(ctx context.Context) {
	go s.hz.Spin()
	logs.CtxInfo(ctx, "[httpapi] listening on %s", s.cfg.HTTP.Bind)
}

func (s *Server) Stop(ctx context.Context) error {
	if err := s.hz.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// writeOK and writeErr implement the TG-compatible envelope shapes spec §6
// and §7 describe: {ok:true, result:...} / {ok:false, error_code, description}.
func writeOK(c *app.RequestContext, result any) {
	c.JSON(consts.StatusOK, utils.H{"ok": true, "result": result})
}

func writeErr(c *app.RequestContext, status int, errorCode int, description string) {
	c.JSON(status, utils.H{"ok": false, "error_code": errorCode, "description": description})
}

package httpapi

import (
	"context"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/tgifai/wxfhbridge/internal/scheduler"
)

// registerFramework wires plugin/scheduler/trace control and the
// stability/introspection endpoints (spec §6 "framework/scheduler/plugin
// control; trace inspection; health and stability introspection").
func (s *Server) registerFramework(hz *hzServer.Hertz) {
	hz.GET("/plugins", s.pluginsStatus)
	hz.POST("/plugins/reload", s.pluginsReload)

	hz.GET("/tasks", s.tasksList)
	hz.POST("/tasks", s.tasksAdd)
	hz.DELETE("/tasks/:id", s.tasksRemove)
	hz.POST("/tasks/:id/run", s.tasksRun)

	hz.GET("/trace", s.traceRecent)
	hz.GET("/stability", s.stabilityStatus)
}

func (s *Server) pluginsStatus(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, s.reg.GetStatus())
}

// pluginsReload re-runs every registered plugin's Register func (spec §4.5
// "Reload clears the registry, re-imports every plugin, and returns updated
// status"). This package is not the plugin list's owner (internal/supervisor
// is, per its Plugins()), so the actual re-import is delegated to the
// closure the supervisor wired in as Deps.Reload.
func (s *Server) pluginsReload(ctx context.Context, c *app.RequestContext) {
	if s.reload == nil {
		c.JSON(consts.StatusOK, map[string]any{
			"note":   "reload not wired; this reports current status",
			"status": s.reg.GetStatus(),
		})
		return
	}
	c.JSON(consts.StatusOK, s.reload())
}

func (s *Server) tasksList(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, s.sched.ListTasks())
}

type addTaskRequest struct {
	TimeHM      string `json:"time_hm"`
	CommandText string `json:"command_text"`
	Description string `json:"description"`
}

func (s *Server) tasksAdd(ctx context.Context, c *app.RequestContext) {
	var req addTaskRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		writeErr(c, consts.StatusBadRequest, 400, "invalid body")
		return
	}
	if !scheduler.ValidTimeHM(req.TimeHM) {
		writeErr(c, consts.StatusBadRequest, 400, "invalid time_hm")
		return
	}
	t, err := s.sched.AddTask(req.TimeHM, req.CommandText, req.Description)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, t)
}

func (s *Server) tasksRemove(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := s.sched.DeleteTask(id); err != nil {
		writeErr(c, consts.StatusBadRequest, 400, err.Error())
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"removed": id})
}

func (s *Server) tasksRun(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := s.sched.RunNow(ctx, id); err != nil {
		writeErr(c, consts.StatusBadRequest, 400, err.Error())
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"ran": id})
}

func (s *Server) traceRecent(ctx context.Context, c *app.RequestContext) {
	limit := 50
	if raw := string(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	c.JSON(consts.StatusOK, s.tracer.Recent(limit))
}

func (s *Server) stabilityStatus(ctx context.Context, c *app.RequestContext) {
	if s.stability == nil {
		c.JSON(consts.StatusOK, map[string]any{"logged_in": s.eng.IsLoggedIn()})
		return
	}
	c.JSON(consts.StatusOK, s.stability())
}

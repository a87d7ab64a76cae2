// Package builtin registers the framework-management commands every
// install carries regardless of which other plugins are loaded (spec
// §6 "Extensions" and SPEC_FULL.md's "Framework-management commands"
// supplement): plugin status, chat-mode toggle, scheduler control, and
// the allowlisted outbound-GET helper.
//
// Grounded on original_source/plugins/{builtin.py,framework_api.py}'s
// command set, translated onto internal/plugin's compile-time Registry
// instead of the teacher's dynamic import.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/gg/gslice"

	"github.com/tgifai/wxfhbridge/internal/pkg/utils"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/scheduler"
)

// Name is the plugin's registration name; it sorts first alphabetically so
// the framework commands are always loaded before any third-party plugin
// (spec §4.5 "Loading is ordered alphabetically").
const Name = "00-builtin"

// Plugin returns the compile-time registration unit for the built-in
// command set.
func Plugin() plugin.Plugin {
	return plugin.Plugin{Name: Name, Register: register}
}

var startedAt = time.Now()

func register(reg *plugin.Registry, deps *plugin.Deps) error {
	reg.Command(&plugin.Command{
		Name:        "help",
		Description: "list available commands",
		Usage:       "/help",
		Handler:     helpHandler(reg),
	})
	reg.Command(&plugin.Command{
		Name:        "status",
		Description: "show engine login state and chat mode",
		Usage:       "/status",
		Handler:     statusHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "chatmode",
		Description: "show or toggle chat-mode fallback",
		Usage:       "/chatmode [on|off]",
		Handler:     chatModeHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "plugins",
		Description: "show loaded plugins and their errors",
		Usage:       "/plugins",
		Handler:     pluginsHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "reload",
		Description: "show plugin status (reloading is done via POST /plugins/reload)",
		Usage:       "/reload",
		Handler:     reloadHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "task",
		Description: "list/add/remove/enable/disable scheduled tasks",
		Usage:       "/task list|add <HH:MM> <cmd>|remove <id>|enable <id>|disable <id>|run <id>",
		Handler:     taskHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "http",
		Description: "fetch an allowlisted URL and return a body preview",
		Usage:       "/http <url>",
		Handler:     httpHandler,
	})
	reg.Command(&plugin.Command{
		Name:        "ping",
		Description: "liveness check",
		Usage:       "/ping",
		Handler: func(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
			return "pong", nil
		},
	})
	return nil
}

func helpHandler(reg *plugin.Registry) plugin.CommandHandlerFunc {
	return func(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
		cmds := reg.Commands()
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
		var b strings.Builder
		for _, c := range cmds {
			if c.Hidden {
				continue
			}
			fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Description)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

func statusHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	eng := cctx.Deps.Engine
	if eng == nil {
		return "engine not wired", nil
	}
	uptime := time.Since(startedAt).Round(time.Second)
	chatMode := "off"
	if cctx.Deps.Dispatcher != nil && cctx.Deps.Dispatcher.ChatModeEnabled() {
		chatMode = "on"
	}
	return fmt.Sprintf("state=%s logged_in=%t uin=%d uptime=%s chat_mode=%s",
		eng.State(), eng.IsLoggedIn(), eng.UIN(), uptime, chatMode), nil
}

func chatModeHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	if cctx.Deps.Dispatcher == nil {
		return "dispatcher not wired", nil
	}
	if len(cctx.Args) == 0 {
		if cctx.Deps.Dispatcher.ChatModeEnabled() {
			return "chat mode is on", nil
		}
		return "chat mode is off", nil
	}
	switch strings.ToLower(cctx.Args[0]) {
	case "on":
		cctx.Deps.Dispatcher.SetChatMode(true)
		return "chat mode enabled", nil
	case "off":
		cctx.Deps.Dispatcher.SetChatMode(false)
		return "chat mode disabled", nil
	default:
		return "usage: /chatmode [on|off]", nil
	}
}

func pluginsHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	if cctx.Deps.Registry == nil {
		return "registry not wired", nil
	}
	status := cctx.Deps.Registry.GetStatus()
	var b strings.Builder
	fmt.Fprintf(&b, "loaded=%d commands=%d handlers=%d routes=%d\n", len(status.Loaded), status.Commands, status.Handlers, status.Routes)
	for _, name := range status.Loaded {
		if err, ok := status.Errors[name]; ok {
			fmt.Fprintf(&b, "  %s: ERROR %s\n", name, err)
		} else {
			fmt.Fprintf(&b, "  %s: ok\n", name)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// reloadHandler reports status only: the plugin list (spec §4.5 "Reload
// clears the registry, re-imports every plugin") lives with whoever booted
// the registry (internal/supervisor), not with a command running inside it,
// so the actual re-import is triggered through the HTTP POST /plugins/reload
// control endpoint, which closes over that list.
func reloadHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	if cctx.Deps.Registry == nil {
		return "registry not wired", nil
	}
	return "use POST /plugins/reload to reload (this chat command only reports status)\n" + mustPluginsSummary(cctx.Deps.Registry), nil
}

func mustPluginsSummary(reg *plugin.Registry) string {
	status := reg.GetStatus()
	return fmt.Sprintf("loaded=%d commands=%d handlers=%d routes=%d", len(status.Loaded), status.Commands, status.Handlers, status.Routes)
}

func taskHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	sched := cctx.Deps.Scheduler
	if sched == nil {
		return "scheduler not wired", nil
	}
	if len(cctx.Args) == 0 {
		return "usage: " + "/task list|add <HH:MM> <cmd>|remove <id>|enable <id>|disable <id>|run <id>", nil
	}

	switch strings.ToLower(cctx.Args[0]) {
	case "list":
		tasks := sched.ListTasks()
		if len(tasks) == 0 {
			return "no scheduled tasks", nil
		}
		var b strings.Builder
		for _, t := range tasks {
			fmt.Fprintf(&b, "%s %s enabled=%t last_run=%s %q\n", t.ID, t.TimeHM, t.Enabled, t.LastRunDate, t.CommandText)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "add":
		if len(cctx.Args) < 3 {
			return "usage: /task add <HH:MM> <command text>", nil
		}
		if !scheduler.ValidTimeHM(cctx.Args[1]) {
			return "", fmt.Errorf("invalid time_hm %q", cctx.Args[1])
		}
		cmdText := strings.Join(cctx.Args[2:], " ")
		t, err := sched.AddTask(cctx.Args[1], cmdText, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("added task %s at %s", t.ID, t.TimeHM), nil

	case "remove":
		if len(cctx.Args) < 2 {
			return "usage: /task remove <id>", nil
		}
		if err := sched.DeleteTask(cctx.Args[1]); err != nil {
			return "", err
		}
		return "removed task " + cctx.Args[1], nil

	case "enable", "disable":
		if len(cctx.Args) < 2 {
			return "usage: /task " + cctx.Args[0] + " <id>", nil
		}
		if err := sched.SetEnabled(cctx.Args[1], cctx.Args[0] == "enable"); err != nil {
			return "", err
		}
		return cctx.Args[0] + "d task " + cctx.Args[1], nil

	case "run":
		if len(cctx.Args) < 2 {
			return "usage: /task run <id>", nil
		}
		if err := sched.RunNow(ctx, cctx.Args[1]); err != nil {
			return "", err
		}
		return "ran task " + cctx.Args[1], nil

	default:
		return "unknown /task subcommand " + cctx.Args[0], nil
	}
}

const httpHelperMaxBody = 2048

// httpHandler implements the allowlisted outbound-GET helper
// (SPEC_FULL.md "ROBOT_HTTP_ALLOWLIST gates a generic outbound-GET helper
// plugin command"). Requests to private/loopback hosts are always
// rejected, and when an allowlist is configured the host must appear in it.
func httpHandler(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
	if len(cctx.Args) == 0 {
		return "usage: /http <url>", nil
	}
	raw := cctx.Args[0]

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}
	if utils.IsPrivateHost(u.Hostname()) {
		return "", fmt.Errorf("host %s resolves to a private/loopback address", u.Hostname())
	}

	allowlist := cctx.Deps.Config.Storage.HTTPAllowlist
	if len(allowlist) > 0 && !gslice.Contains(allowlist, u.Hostname()) {
		return "", fmt.Errorf("host %s is not in ROBOT_HTTP_ALLOWLIST", u.Hostname())
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpHelperMaxBody))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, body), nil
}

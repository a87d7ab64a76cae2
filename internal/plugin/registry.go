// Package plugin implements the command/handler/hook/route registry (spec
// §4.5, C5). Per spec's Design Notes, the teacher's dynamic directory
// import is replaced with compile-time registration: plugins are Go
// values, each with a Register func run in a deterministic order, and the
// registry itself is an explicit value constructed at boot and threaded
// through every call — no process-wide mutable singleton (contrast with
// internal/channel/registry.go's package-level defaultRegistry, which this
// package deliberately does not reproduce).
//
// Grounded structurally on internal/channel/registry.go (sync.RWMutex +
// map) for the command table, and on internal/agent/skill/registry.go's
// "never abort the loader, capture the error instead" behavior for Load.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/gg/gmap"
	"github.com/cloudwego/hertz/pkg/app"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/scheduler"
	"github.com/tgifai/wxfhbridge/internal/store"
)

// DispatcherHandle is the narrow surface built-in commands need from the
// dispatcher (spec §4.6 "Chat mode toggle"). Defined here, not imported
// from internal/dispatch, so internal/dispatch can depend on this package
// for command lookups without creating an import cycle.
type DispatcherHandle interface {
	ChatModeEnabled() bool
	SetChatMode(bool)
}

// Deps is the set of process-wide handles published into the registry at
// boot (spec §4.5 "Dependency injection"), replacing the teacher's
// ambient globals with an explicit struct threaded through Register calls.
type Deps struct {
	Engine     *engine.Engine
	Dispatcher DispatcherHandle
	Config     *config.Config
	Store      *store.Store
	Scheduler  *scheduler.Scheduler
	Registry   *Registry
}

// CommandContext carries everything a command or message handler needs
// (spec §4.6, and Design Notes' "replace duck-typed context object with a
// typed context struct").
type CommandContext struct {
	Text      string
	Command   string
	Args      []string
	MsgID     string
	ReplyToID string
	IsCommand bool
	Extra     map[string]any

	Deps *Deps
}

// CommandHandlerFunc executes a matched command and returns a reply. An
// empty reply with a nil error means "no response."
type CommandHandlerFunc func(ctx context.Context, cctx *CommandContext) (string, error)

// MessageHandlerFunc is tried, in priority order, before command lookup
// (spec §4.6 step 6). A non-empty return short-circuits the chain.
type MessageHandlerFunc func(ctx context.Context, cctx *CommandContext) (string, error)

// HookFunc is an on_load/on_unload lifecycle hook (spec §4.5).
type HookFunc func(ctx context.Context, deps *Deps) error

// RouteHandler is an HTTP route contributed by a plugin (spec §4.5
// "route(method, path, name, tags[])"). Registration against the host
// HTTP framework happens during boot, after load (internal/httpapi).
type RouteHandler = app.HandlerFunc

// Command is {name, handler, description, usage, aliases, hidden} (spec
// §3 Command). Name and every alias are stored lowercase.
type Command struct {
	Name        string
	Description string
	Usage       string
	Aliases     []string
	Hidden      bool
	Handler     CommandHandlerFunc
}

// MessageHandler is {handler, priority, name} (spec §3 MessageHandler).
type MessageHandler struct {
	Name     string
	Priority int
	Handler  MessageHandlerFunc
}

// Route is one HTTP route a plugin contributes.
type Route struct {
	Method  string
	Path    string
	Name    string
	Tags    []string
	Handler RouteHandler
}

// Plugin is one compile-time registered unit (spec §4.5 "Plugins live
// under a configured directory. Each entry is either a directory
// containing an init file... or a bare source file" — translated here
// into "an entry in a Go slice with a Name and a Register func", per
// Design Notes).
type Plugin struct {
	Name     string
	Register func(reg *Registry, deps *Deps) error
}

// Registry is the in-memory table of commands, prioritized handlers,
// lifecycle hooks, and HTTP routes (spec §4.5 "Ownership": mutated only
// during load/reload, read concurrently thereafter).
type Registry struct {
	mu sync.RWMutex

	commands  map[string]*Command // keyed by lowercase name and every lowercase alias
	canonical map[string]*Command // keyed by lowercase canonical (non-alias) name only

	handlers       []MessageHandler
	handlersSorted bool

	onLoad   []HookFunc
	onUnload []HookFunc

	routes []Route

	loadErrors map[string]string // plugin name -> error string (spec §4.5, §7)
	loadOrder  []string          // plugin names in the order they were loaded
}

func NewRegistry() *Registry {
	return &Registry{
		commands:   make(map[string]*Command),
		canonical:  make(map[string]*Command),
		loadErrors: make(map[string]string),
	}
}

// Command registers a command, keyed by lowercase name and every lowercase
// alias (spec §3 Command invariant).
func (r *Registry) Command(c *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.ToLower(c.Name)
	r.commands[name] = c
	r.canonical[name] = c
	for _, alias := range c.Aliases {
		r.commands[strings.ToLower(alias)] = c
	}
}

// Lookup is a case-insensitive command-name/alias lookup.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.commands[strings.ToLower(name)]
	return c, ok
}

// Commands returns every distinct registered command (aliases collapsed).
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return gmap.ToSlice(r.canonical, func(_ string, c *Command) *Command { return c })
}

// OnMessage appends a handler; the chain is lazily sorted by descending
// priority on first read after any insert (spec §3 MessageHandler).
func (r *Registry) OnMessage(h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	r.handlersSorted = false
}

// Handlers returns the handler chain sorted by descending priority.
func (r *Registry) Handlers() []MessageHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.handlersSorted {
		sort.SliceStable(r.handlers, func(i, j int) bool {
			return r.handlers[i].Priority > r.handlers[j].Priority
		})
		r.handlersSorted = true
	}
	out := make([]MessageHandler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

func (r *Registry) OnLoad(f HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLoad = append(r.onLoad, f)
}

func (r *Registry) OnUnload(f HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnload = append(r.onUnload, f)
}

func (r *Registry) Route(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *Registry) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Load runs every plugin's Register func, in ascending alphabetical order
// by name (spec §4.5 "Loading is ordered alphabetically"). A failing
// plugin's error is captured, not propagated: the loader never aborts
// (spec §4.5, §7 "Plugin load error").
func (r *Registry) Load(plugins []Plugin, deps *Deps) {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	r.mu.Lock()
	r.loadErrors = make(map[string]string)
	r.loadOrder = nil
	r.mu.Unlock()

	for _, p := range sorted {
		r.mu.Lock()
		r.loadOrder = append(r.loadOrder, p.Name)
		r.mu.Unlock()

		if err := p.Register(r, deps); err != nil {
			r.mu.Lock()
			r.loadErrors[p.Name] = err.Error()
			r.mu.Unlock()
		}
	}
}

// RunOnLoad invokes every registered on_load hook sequentially (spec §4.5).
func (r *Registry) RunOnLoad(ctx context.Context, deps *Deps) error {
	for _, f := range r.onLoadSnapshot() {
		if err := f(ctx, deps); err != nil {
			return fmt.Errorf("on_load hook: %w", err)
		}
	}
	return nil
}

// RunOnUnload invokes every registered on_unload hook sequentially, at
// shutdown (spec §4.5, §4.9 "Graceful shutdown").
func (r *Registry) RunOnUnload(ctx context.Context, deps *Deps) {
	for _, f := range r.onUnloadSnapshot() {
		_ = f(ctx, deps)
	}
}

func (r *Registry) onLoadSnapshot() []HookFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HookFunc, len(r.onLoad))
	copy(out, r.onLoad)
	return out
}

func (r *Registry) onUnloadSnapshot() []HookFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HookFunc, len(r.onUnload))
	copy(out, r.onUnload)
	return out
}

// Reload clears the registry (commands, handlers, routes and lifecycle
// hooks) and re-runs Load; callers read the updated status via GetStatus.
func (r *Registry) Reload(plugins []Plugin, deps *Deps) {
	r.mu.Lock()
	r.commands = make(map[string]*Command)
	r.canonical = make(map[string]*Command)
	r.handlers = nil
	r.handlersSorted = false
	r.routes = nil
	r.onLoad = nil
	r.onUnload = nil
	r.mu.Unlock()

	r.Load(plugins, deps)
}

// Status is the /plugins introspection payload (spec §4.5, §6 "plugin
// control").
type Status struct {
	Loaded   []string          `json:"loaded"`
	Errors   map[string]string `json:"errors"`
	Commands int               `json:"commands"`
	Handlers int               `json:"handlers"`
	Routes   int               `json:"routes"`
}

func (r *Registry) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	errs := make(map[string]string, len(r.loadErrors))
	for k, v := range r.loadErrors {
		errs[k] = v
	}
	loaded := make([]string, len(r.loadOrder))
	copy(loaded, r.loadOrder)
	return Status{
		Loaded:   loaded,
		Errors:   errs,
		Commands: len(r.canonical),
		Handlers: len(r.handlers),
		Routes:   len(r.routes),
	}
}

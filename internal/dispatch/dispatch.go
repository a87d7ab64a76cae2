// Package dispatch implements the message router (spec §4.6, C6): it takes
// a normalized inbound message, persists it, optionally webhook-pushes it,
// then routes its text through the priority-ordered handler chain, command
// lookup, and finally chat-mode fallback.
//
// Grounded structurally on internal/gateway/gateway.go's processMessage
// (security -> command -> agent order) and internal/gateway/command.go's
// Match/List shape, translated onto internal/plugin's compile-time Registry
// instead of the teacher's channel.Message/CommandRouter pair.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/scheduler"
	"github.com/tgifai/wxfhbridge/internal/store"
)

// Dispatcher routes normalized messages (spec §4.6). It implements
// plugin.DispatcherHandle so built-in commands can read/flip chat mode
// through the registry without this package importing plugin's callers.
type Dispatcher struct {
	registry *plugin.Registry
	eng      *engine.Engine
	st       *store.Store
	cfg      *config.Config

	httpClient *http.Client
	sched      *scheduler.Scheduler

	chatMode bool
}

// SetScheduler wires the scheduler in after construction, since the
// scheduler's DispatchFunc callback is built from this Dispatcher and the
// two must be created in a cycle-free order at boot.
func (d *Dispatcher) SetScheduler(s *scheduler.Scheduler) { d.sched = s }

func New(registry *plugin.Registry, eng *engine.Engine, st *store.Store, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		eng:        eng,
		st:         st,
		cfg:        cfg,
		httpClient: &http.Client{},
		chatMode:   cfg.Chatbot.Enabled,
	}
}

func (d *Dispatcher) ChatModeEnabled() bool { return d.chatMode }
func (d *Dispatcher) SetChatMode(on bool)   { d.chatMode = on }

// envelope mirrors the TG-shaped payload spec §4.6 step 2 describes.
type envelope struct {
	UpdateID int64            `json:"update_id"`
	Message  envelopeMessage  `json:"message"`
}

type envelopeMessage struct {
	MessageID string `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Document  string `json:"document,omitempty"`
}

// Dispatch runs one normalized message through the full pipeline (spec
// §4.6). allowChatFallback is false for scheduler-triggered runs (spec
// §4.7 "invokes the dispatcher with chat-fallback disabled").
func (d *Dispatcher) Dispatch(ctx context.Context, msg engine.InboundMessage, allowChatFallback bool) (string, error) {
	if d.eng != nil && d.eng.SelfSentIDs().Contains(msg.ID) {
		return "", nil
	}

	d.persist(ctx, msg)
	d.pushWebhook(ctx, msg)

	if msg.Content == "" {
		return "", nil
	}

	cctx := d.buildContext(msg)

	for _, h := range d.registry.Handlers() {
		reply, err := h.Handler(ctx, cctx)
		if err != nil {
			logs.CtxWarn(ctx, "[dispatch] handler %s error: %v", h.Name, err)
			continue
		}
		if reply != "" {
			return reply, nil
		}
	}

	if cctx.IsCommand {
		if cmd, ok := d.registry.Lookup(cctx.Command); ok {
			reply, err := cmd.Handler(ctx, cctx)
			if err != nil {
				logs.CtxWarn(ctx, "[dispatch] command %s error: %v", cctx.Command, err)
				return "", err
			}
			return reply, nil
		}
	}

	if allowChatFallback && d.chatMode {
		return d.chatFallback(ctx, msg)
	}

	return "", nil
}

// persist writes the message to the durable store, best-effort (spec §4.6
// step 1: "errors logged, not propagated").
func (d *Dispatcher) persist(ctx context.Context, msg engine.InboundMessage) {
	if d.st == nil {
		return
	}
	rec := store.Message{
		MsgID:     msg.ID,
		Kind:      string(msg.Kind),
		Text:      msg.Content,
		FileName:  msg.FileName,
		IsMine:    msg.IsMine,
		ReplyTo:   msg.ReplyToID,
		Timestamp: msg.Timestamp,
	}
	if _, err := d.st.SaveMessage(rec); err != nil {
		logs.CtxWarn(ctx, "[dispatch] persist message %s: %v", msg.ID, err)
	}
}

// pushWebhook POSTs a TG-shaped envelope if a message webhook URL is
// configured (spec §4.6 step 2).
func (d *Dispatcher) pushWebhook(ctx context.Context, msg engine.InboundMessage) {
	url := d.cfg.Webhook.URL
	if url == "" {
		return
	}

	env := envelope{
		UpdateID: msg.Timestamp.Unix(),
		Message: envelopeMessage{
			MessageID: msg.ID,
			Date:      msg.Timestamp.Unix(),
			Text:      msg.Content,
			Type:      string(msg.Kind),
			Document:  msg.FileName,
		},
	}
	body, err := sonic.Marshal(env)
	if err != nil {
		logs.CtxWarn(ctx, "[dispatch] marshal webhook envelope: %v", err)
		return
	}

	timeout := time.Duration(d.cfg.Webhook.Timeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logs.CtxWarn(ctx, "[dispatch] build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logs.CtxWarn(ctx, "[dispatch] webhook post: %v", err)
		return
	}
	resp.Body.Close()
}

// buildContext parses command/argv out of msg.Content (spec §4.6 step 4-5).
func (d *Dispatcher) buildContext(msg engine.InboundMessage) *plugin.CommandContext {
	text := msg.Content
	cctx := &plugin.CommandContext{
		Text:      text,
		MsgID:     msg.ID,
		ReplyToID: msg.ReplyToID,
		Extra:     map[string]any{"kind": string(msg.Kind), "file_name": msg.FileName},
		Deps: &plugin.Deps{
			Engine:     d.eng,
			Dispatcher: d,
			Config:     d.cfg,
			Store:      d.st,
			Scheduler:  d.sched,
			Registry:   d.registry,
		},
	}

	if strings.HasPrefix(text, "/") {
		cctx.IsCommand = true
		fields := strings.Fields(strings.TrimPrefix(text, "/"))
		if len(fields) > 0 {
			cctx.Command = strings.ToLower(fields[0])
			cctx.Args = fields[1:]
		}
	}
	return cctx
}

// chatFallback invokes the configured chat backend, or a canned response if
// none is configured (spec §4.6 step 8).
func (d *Dispatcher) chatFallback(ctx context.Context, msg engine.InboundMessage) (string, error) {
	url := d.cfg.Chatbot.WebhookURL
	if url == "" {
		return "I don't have a chat backend configured yet.", nil
	}

	payload := map[string]any{
		"message":   msg.Content,
		"from":      "wechat",
		"timestamp": msg.Timestamp.Unix(),
		"server":    "wxfhbridge",
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	timeout := time.Duration(d.cfg.Chatbot.Timeout) * time.Second
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		logs.CtxWarn(ctx, "[dispatch] chat backend error: %v", err)
		return "", nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil
	}

	var raw map[string]json.RawMessage
	if err := sonic.Unmarshal(respBody, &raw); err != nil {
		return "", nil
	}
	for _, key := range []string{"reply", "content", "text", "message"} {
		if v, ok := raw[key]; ok {
			var s string
			if err := sonic.Unmarshal(v, &s); err == nil && s != "" {
				return s, nil
			}
		}
	}
	return "", nil
}

package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/store"
)

func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *plugin.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := plugin.NewRegistry()
	d := New(reg, nil, st, cfg)
	return d, reg
}

func TestDispatcher_EmptyTextStopsEarly(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected no reply for empty text, got %q", reply)
	}
}

func TestDispatcher_PersistsMessage(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	msg := engine.InboundMessage{ID: "42", Kind: engine.KindText, Content: "hello", Timestamp: time.Now()}
	if _, err := d.Dispatch(context.Background(), msg, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := d.st.GetMessage("42")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil || got.Text != "hello" {
		t.Fatalf("expected message persisted, got %+v", got)
	}
}

func TestDispatcher_CommandLookupAndInvoke(t *testing.T) {
	d, reg := newTestDispatcher(t, nil)
	reg.Command(&plugin.Command{
		Name: "ping",
		Handler: func(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
			return "pong", nil
		},
	})

	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText, Content: "/ping"}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("expected pong, got %q", reply)
	}
}

func TestDispatcher_MessageHandlerShortCircuitsCommand(t *testing.T) {
	d, reg := newTestDispatcher(t, nil)
	reg.Command(&plugin.Command{
		Name: "ping",
		Handler: func(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
			return "pong", nil
		},
	})
	reg.OnMessage(plugin.MessageHandler{
		Name:     "intercept",
		Priority: 10,
		Handler: func(ctx context.Context, cctx *plugin.CommandContext) (string, error) {
			return "intercepted", nil
		},
	})

	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText, Content: "/ping"}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "intercepted" {
		t.Fatalf("expected handler chain to short-circuit, got %q", reply)
	}
}

func TestDispatcher_ChatFallback_CannedWhenNoWebhook(t *testing.T) {
	d, _ := newTestDispatcher(t, &config.Config{Chatbot: config.ChatbotConfig{Enabled: true}})
	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText, Content: "hi there"}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a canned fallback reply")
	}
}

func TestDispatcher_ChatFallback_DisabledWhenNotAllowed(t *testing.T) {
	d, _ := newTestDispatcher(t, &config.Config{Chatbot: config.ChatbotConfig{Enabled: true}})
	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText, Content: "hi there"}, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected no reply when chat fallback disallowed, got %q", reply)
	}
}

func TestDispatcher_ChatFallback_ExtractsReplyFromWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply":"from backend"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{Chatbot: config.ChatbotConfig{Enabled: true, WebhookURL: srv.URL, Timeout: 5}}
	d, _ := newTestDispatcher(t, cfg)

	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "1", Kind: engine.KindText, Content: "hi"}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "from backend" {
		t.Fatalf("expected webhook reply, got %q", reply)
	}
}

func TestDispatcher_SkipsSelfEchoedMessage(t *testing.T) {
	eng, err := engine.New("szfilehelper.weixin.qq.com", "", filepath.Join(t.TempDir(), "session.json"), nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	eng.SelfSentIDs().Add("echoed-1")

	st, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := New(plugin.NewRegistry(), eng, st, &config.Config{})

	reply, err := d.Dispatch(context.Background(), engine.InboundMessage{ID: "echoed-1", Kind: engine.KindText, Content: "hello"}, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected self-echoed message to be skipped, got reply %q", reply)
	}

	got, err := st.GetMessage("echoed-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got != nil {
		t.Fatal("expected self-echoed message not to be persisted")
	}
}

func TestDispatcher_ChatModeToggle(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	if d.ChatModeEnabled() {
		t.Fatal("expected chat mode disabled by default")
	}
	d.SetChatMode(true)
	if !d.ChatModeEnabled() {
		t.Fatal("expected chat mode enabled after SetChatMode(true)")
	}
}

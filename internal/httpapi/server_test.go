package httpapi

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/common/test/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/engine/trace"
	"github.com/tgifai/wxfhbridge/internal/plugin"
	"github.com/tgifai/wxfhbridge/internal/store"
)

// newTestServer builds a Server against a temp-dir engine/store, with no
// bound port: routes are exercised directly through the embedded Hertz
// route.Engine via ut.PerformRequest, the framework's own unit-test helper
// (cloudwego/hertz's common/test/ut), not a bound network listener.
//
// Only one Server is ever constructed per test binary run (all assertions
// live under one top-level test, run as subtests against that one instance):
// New() wires a hertz-contrib/monitor-prometheus server tracer, which
// registers its collectors against the global Prometheus registry, so a
// second instantiation in the same process would panic on a duplicate
// registration.
func newTestServer(t *testing.T) (*Server, *engine.Engine, *store.Store) {
	t.Helper()

	tracer := trace.NewRecorder(false, false, 0, "")
	eng, err := engine.New("szfilehelper.weixin.qq.com", "", filepath.Join(t.TempDir(), "session.json"), tracer)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{}
	cfg.HTTP.Bind = ":0"

	srv := New(Deps{
		Config:    cfg,
		Engine:    eng,
		Store:     st,
		Registry:  plugin.NewRegistry(),
		Tracer:    tracer,
		Stability: func() any { return map[string]any{"ok": true} },
		Reload:    func() plugin.Status { return plugin.Status{} },
	})
	return srv, eng, st
}

// TestServer_HTTPSurface exercises the TG-Bot-API-compatible envelope (spec
// §6: "{ok,result}/{ok,error_code,description}") and the WeChat-native
// extensions router against one shared Server instance, through Hertz's own
// ut.PerformRequest unit-test helper.
func TestServer_HTTPSurface(t *testing.T) {
	srv, eng, st := newTestServer(t)

	t.Run("health", func(t *testing.T) {
		w := ut.PerformRequest(srv.hz.Engine, "GET", "/health", nil)
		resp := w.Result()
		if resp.StatusCode() != consts.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode())
		}
		var body map[string]any
		if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body["status"] != "ok" {
			t.Fatalf("unexpected health body: %v", body)
		}
	})

	// sendMessage must refuse with a 401 TG-style envelope before any QR
	// login has completed, rather than attempt to reach the (absent)
	// upstream.
	t.Run("sendMessage requires login", func(t *testing.T) {
		if eng.IsLoggedIn() {
			t.Fatal("expected a freshly constructed engine not to be logged in")
		}

		w := ut.PerformRequest(srv.hz.Engine, "POST", "/bot/sendMessage", nil,
			ut.Header{Key: "Content-Type", Value: "application/json"})
		resp := w.Result()
		if resp.StatusCode() != consts.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode())
		}

		var envelope map[string]any
		if err := sonic.Unmarshal(resp.Body(), &envelope); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if envelope["ok"] != false {
			t.Fatalf("expected ok=false envelope, got %v", envelope)
		}
	})

	// getUpdates surfaces rows saved directly in the store (spec §6 cursor
	// semantics end to end through the HTTP surface).
	t.Run("getUpdates returns stored messages", func(t *testing.T) {
		if _, err := st.SaveMessage(store.Message{
			MsgID:     "m1",
			Kind:      string(engine.KindText),
			Text:      "hello",
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}

		w := ut.PerformRequest(srv.hz.Engine, "GET", "/bot/getUpdates?offset=0", nil)
		resp := w.Result()
		if resp.StatusCode() != consts.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode())
		}

		var envelope struct {
			OK     bool        `json:"ok"`
			Result []botUpdate `json:"result"`
		}
		if err := sonic.Unmarshal(resp.Body(), &envelope); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if !envelope.OK {
			t.Fatalf("expected ok=true, got %+v", envelope)
		}
		if len(envelope.Result) != 1 || envelope.Result[0].Message.Text != "hello" {
			t.Fatalf("unexpected updates: %+v", envelope.Result)
		}
	})

	// login/status reports the idle state machine before any QR has been
	// acquired (spec §4.1's StateUnstarted).
	t.Run("wechat login status starts unstarted", func(t *testing.T) {
		w := ut.PerformRequest(srv.hz.Engine, "GET", "/login/status", nil)
		resp := w.Result()
		if resp.StatusCode() != consts.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode())
		}

		var body map[string]any
		if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body["is_logged_in"] != false {
			t.Fatalf("expected is_logged_in=false, got %v", body)
		}
		if body["state"] != string(engine.StateUnstarted) {
			t.Fatalf("expected state=%s, got %v", engine.StateUnstarted, body["state"])
		}
	})
}

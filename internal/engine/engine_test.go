package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/tgifai/wxfhbridge/internal/consts"
	"github.com/tgifai/wxfhbridge/internal/engine/trace"
)

// newTestEngine builds an Engine with tracing disabled and a temp-dir
// session file, pointed at a fake upstream host.
func newTestEngine(t *testing.T, host string) *Engine {
	t.Helper()
	tracer := trace.NewRecorder(false, false, 0, "")
	e, err := New(host, "", filepath.Join(t.TempDir(), "session.json"), tracer)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

// testServerHost starts an httptest TLS server and returns it alongside its
// bare host:port, since the engine builds every URL as "https://<host>/...".
func testServerHost(t *testing.T, mux *http.ServeMux) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	return srv, u.Host
}

// pointAtTestServer rewires e's http client to dial srv's real listener
// address no matter which hostname a request URL names. The login-poll
// code-200 branch re-derives LoginHost from the redirect URI's own host
// via resolveHosts (original_source/direct_bot.py's _complete_login), which
// would otherwise send the rest of the flow to a production WeChat host
// instead of back to this fake server.
func pointAtTestServer(t *testing.T, e *Engine, srv *httptest.Server) {
	t.Helper()
	transport := srv.Client().Transport.(*http.Transport).Clone()
	addr := srv.Listener.Addr().String()
	transport.DialTLSContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return tls.Dial(network, addr, transport.TLSClientConfig)
	}
	e.httpClient.Transport = transport
}

// TestEngine_QRLoginFlow_CompletesLogin exercises spec §8 scenario #1
// (fresh QR login) end to end against a fake upstream: jslogin, qrcode,
// login poll (code 200), newloginpage, and webwxinit.
func TestEngine_QRLoginFlow_CompletesLogin(t *testing.T) {
	const uuid = "fake-uuid-1234"
	mux := http.NewServeMux()
	var host string

	mux.HandleFunc("/jslogin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `window.QRLogin.uuid="%s";`, uuid)
	})
	mux.HandleFunc("/qrcode/"+uuid, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PNGDATA"))
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/login", func(w http.ResponseWriter, r *http.Request) {
		redirect := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxnewloginpage", host)
		fmt.Fprintf(w, `window.code=200;window.redirect_uri="%s";`, redirect)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxnewloginpage", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<error><ret>0</ret><skey>sk1</skey><wxsid>sid1</wxsid><wxuin>123456</wxuin><pass_ticket>pt1</pass_ticket></error>`)
	})
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxinit", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"BaseResponse":{"Ret":0},"SyncKey":{"Count":1,"List":[{"Key":1,"Val":100}]},"User":{"UserName":"wxid_test"}}`)
	})

	srv, h := testServerHost(t, mux)
	host = h

	e := newTestEngine(t, host)
	pointAtTestServer(t, e, srv)
	e.sess.LoginHost = host

	ctx := context.Background()

	png, err := e.AcquireQR(ctx)
	if err != nil {
		t.Fatalf("AcquireQR: %v", err)
	}
	if string(png) != "PNGDATA" {
		t.Fatalf("expected qr png bytes, got %q", png)
	}
	if e.State() != StateQRReady {
		t.Fatalf("expected StateQRReady after AcquireQR, got %s", e.State())
	}

	result, err := e.PollLogin(ctx)
	if err != nil {
		t.Fatalf("PollLogin: %v", err)
	}
	if result.Code != 200 {
		t.Fatalf("expected login poll code 200, got %d", result.Code)
	}

	if !e.IsLoggedIn() {
		t.Fatal("expected engine to be logged in after code-200 poll")
	}
	if got := e.RobotUserName(); got != "wxid_test" {
		t.Fatalf("expected UserName wxid_test, got %q", got)
	}
}

// TestEngine_Sync_FiltersAndDedupsMessages exercises spec §8 scenario #2
// (echo round trip / dedup): a sync response is normalized into inbound
// messages, non-filehelper traffic is dropped, and a repeated AddMsgList
// entry (same MsgId delivered twice, as happens on upstream retry) is not
// redelivered thanks to the seen-ids set (spec §3 "seen-ids set").
func TestEngine_Sync_FiltersAndDedupsMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxsync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"BaseResponse": {"Ret": 0},
			"SyncKey": {"Count": 1, "List": [{"Key": 1, "Val": 200}]},
			"AddMsgList": [
				{"MsgId": "m1", "MsgType": 1, "FromUserName": "filehelper", "ToUserName": "filehelper", "Content": "hello", "CreateTime": 1700000000},
				{"MsgId": "m2", "MsgType": 1, "FromUserName": "someone_else", "ToUserName": "wxid_other", "Content": "not for us", "CreateTime": 1700000001}
			]
		}`)
	})

	srv, host := testServerHost(t, mux)

	e := newTestEngine(t, host)
	pointAtTestServer(t, e, srv)
	e.sess.LoginHost = host
	e.sess.Skey, e.sess.Sid, e.sess.Uin, e.sess.PassTicket = "sk", "sid", 1, "pt"

	ctx := context.Background()

	msgs, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 filehelper message, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "m1" || msgs[0].Content != "hello" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	// A second sync round returning the same AddMsgList (upstream retry) must
	// not redeliver the already-seen message id.
	msgs2, err := e.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if len(msgs2) != 0 {
		t.Fatalf("expected no messages on repeated delivery, got %d: %+v", len(msgs2), msgs2)
	}
}

// TestEngine_SendText_RecordsSelfSentID exercises the self-sent-id half of
// spec §4.6's self-echo suppression: a successful send records the upstream
// message id in the bounded self-sent set so the dispatcher can recognize
// the echo on the next sync round.
func TestEngine_SendText_RecordsSelfSentID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/mmwebwx-bin/webwxsendmsg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"BaseResponse":{"Ret":0},"MsgID":"sent-1"}`)
	})

	srv, host := testServerHost(t, mux)

	e := newTestEngine(t, host)
	pointAtTestServer(t, e, srv)
	e.sess.LoginHost = host
	e.sess.Skey, e.sess.Sid, e.sess.Uin, e.sess.PassTicket = "sk", "sid", 1, "pt"
	e.sess.UserName = consts.FileHelperUserName

	ok, err := e.SendText(context.Background(), "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !ok {
		t.Fatal("expected SendText to succeed")
	}
	if !e.SelfSentIDs().Contains("sent-1") {
		t.Fatal("expected self-sent set to contain the upstream message id")
	}
}

// Package engine implements the protocol engine (spec §4.1, C4): a
// stateful client for the upstream web protocol — QR-based authentication,
// session persistence, long-poll sync, message send/upload/download, and
// reconnect. Grounded on original_source/direct_bot.py end to end; the
// sibling browser-automation engine (original_source/bot.py) is dead code
// per spec's Design Notes and is not reimplemented.
package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tgifai/wxfhbridge/internal/consts"
	"github.com/tgifai/wxfhbridge/internal/engine/cache"
	"github.com/tgifai/wxfhbridge/internal/engine/session"
	"github.com/tgifai/wxfhbridge/internal/engine/trace"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/pkg/utils"
)

var (
	qrLoginPattern = regexp.MustCompile(`window\.QRLogin\.uuid\s*=\s*"([^"]+)"`)
	loginCodePattern = regexp.MustCompile(`window\.code\s*=\s*(\d+)`)
	redirectURIPattern = regexp.MustCompile(`window\.redirect_uri\s*=\s*"([^"]+)"`)
)

const (
	appID        = "wx782c26e4c19acffb"
	qrExpirySecs = 240
)

// newLoginPageResponse is the XML shape of the `newloginpage` response.
type newLoginPageResponse struct {
	XMLName    xml.Name `xml:"error"`
	Ret        string   `xml:"ret"`
	Skey       string   `xml:"skey"`
	Wxsid      string   `xml:"wxsid"`
	Wxuin      string   `xml:"wxuin"`
	PassTicket string   `xml:"pass_ticket"`
}

type initResponse struct {
	BaseResponse struct {
		Ret int `json:"Ret"`
	} `json:"BaseResponse"`
	SyncKey struct {
		Count int `json:"Count"`
		List  []struct {
			Key int `json:"Key"`
			Val int `json:"Val"`
		} `json:"List"`
	} `json:"SyncKey"`
	User struct {
		UserName string `json:"UserName"`
	} `json:"User"`
}

// Engine is the protocol engine. It exclusively owns Session, the
// raw-message cache, and in-flight cookies (spec §3 Ownership).
type Engine struct {
	cfgEntryHost string
	sessionStore *session.Store
	tracer       *trace.Recorder

	httpClient *http.Client
	jar        http.CookieJar

	mu      sync.Mutex // guards sess and state; send paths release it around the HTTP request
	sess    *session.Session
	state   LoginState
	loginErr error

	recent    *cache.Ring[InboundMessage]
	rawByID   *cache.BoundedMap[RawMessage]
	seenIDs   *cache.BoundedSet
	selfSent  *cache.BoundedSet

	loginCallbackURL string
}

func New(entryHost, loginCallbackURL string, sessionPath string, tracer *trace.Recorder) (*Engine, error) {
	store := session.NewStore(sessionPath)
	sess, jar, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.EntryHost == "" {
		sess.EntryHost = entryHost
	}
	if sess.DeviceID == "" {
		sess.DeviceID = "e" + utils.RandDigits(15)
	}
	sess.LoginHost, sess.FileHost = resolveHosts(sess.EntryHost)

	e := &Engine{
		cfgEntryHost:     entryHost,
		sessionStore:     store,
		tracer:           tracer,
		httpClient:       &http.Client{Timeout: 30 * time.Second, Jar: jar},
		jar:              jar,
		sess:             sess,
		state:            StateUnstarted,
		recent:           cache.NewRing[InboundMessage](consts.RecentMessageCacheSize),
		rawByID:          cache.NewBoundedMap[RawMessage](consts.RawByIDCacheSize),
		seenIDs:          cache.NewBoundedSet(consts.SeenIDSetCapacity, consts.CacheSlack),
		selfSent:         cache.NewBoundedSet(consts.SelfSentSetCapacity, consts.CacheSlack),
		loginCallbackURL: loginCallbackURL,
	}
	if sess.IsAuthenticated() {
		e.state = StateLoggedIn
	}
	return e, nil
}

func (e *Engine) State() LoginState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsLoggedIn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLoggedIn && e.sess.IsAuthenticated()
}

func (e *Engine) UIN() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Uin
}

func (e *Engine) RobotUserName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.UserName
}

// SaveSession persists the current session document (spec §4.3).
func (e *Engine) SaveSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionStore.Save(e.sess, e.jar)
}

// ReloadSession re-reads the session document from disk (used during
// reconnect, spec §4.9).
func (e *Engine) ReloadSession() error {
	sess, jar, err := e.sessionStore.Load()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = sess
	e.jar = jar
	e.httpClient.Jar = jar
	if sess.IsAuthenticated() {
		e.state = StateLoggedIn
	} else {
		e.state = StateNeedQR
	}
	return nil
}

// AcquireQR fetches a fresh QR UUID and returns the PNG bytes (spec §4.1
// "QR-code acquisition"). UUIDs expire after ~240s.
func (e *Engine) AcquireQR(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	loginHost := e.sess.LoginHost
	e.mu.Unlock()

	loginURL := fmt.Sprintf("https://%s/jslogin?appid=%s&redirect_uri=https://%s/web2/wxwebredirect", loginHost, appID, loginHost)
	body, _, err := e.doRequest(ctx, http.MethodGet, loginURL, nil, nil, false)
	if err != nil {
		return nil, err
	}

	m := qrLoginPattern.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("qr uuid not found in jslogin response")
	}
	uuid := string(m[1])

	e.mu.Lock()
	e.sess.UUID = uuid
	e.sess.UUIDIssued = time.Now()
	e.state = StateQRReady
	e.mu.Unlock()

	qrURL := fmt.Sprintf("https://%s/qrcode/%s", loginHost, uuid)
	png, _, err := e.doRequest(ctx, http.MethodGet, qrURL, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return png, nil
}

// PollLogin issues one long-poll login-status request (spec §4.1 "Login
// polling"). Codes: 408 awaiting scan, 201 scanned, 200 authorized,
// {400,500,0} uuid expired.
func (e *Engine) PollLogin(ctx context.Context) (*LoginPollResult, error) {
	e.mu.Lock()
	uuid := e.sess.UUID
	loginHost := e.sess.LoginHost
	issued := e.sess.UUIDIssued
	e.mu.Unlock()

	if uuid == "" || time.Since(issued) > qrExpirySecs*time.Second {
		e.mu.Lock()
		e.state = StateQRExpired
		e.sess.UUID = ""
		e.mu.Unlock()
		return &LoginPollResult{Code: 408}, nil
	}

	pollURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/login?uuid=%s&tip=0&_=%d", loginHost, uuid, time.Now().UnixMilli())
	body, _, err := e.doRequest(ctx, http.MethodGet, pollURL, nil, nil, false)
	if err != nil {
		return nil, err
	}

	cm := loginCodePattern.FindSubmatch(body)
	if cm == nil {
		return nil, fmt.Errorf("login poll: code not found")
	}
	code, _ := strconv.Atoi(string(cm[1]))

	result := &LoginPollResult{Code: code}

	switch code {
	case 408:
		e.mu.Lock()
		e.state = StateQRReady
		e.mu.Unlock()
	case 201:
		e.mu.Lock()
		e.state = StateScanned
		e.mu.Unlock()
	case 200:
		rm := redirectURIPattern.FindSubmatch(body)
		if rm == nil {
			return nil, fmt.Errorf("login poll: redirect_uri not found on code 200")
		}
		result.RedirectURI = string(rm[1])
		e.mu.Lock()
		e.state = StateAuthorized
		if host := netloc(result.RedirectURI); host != "" {
			e.sess.EntryHost = host
			e.sess.LoginHost, e.sess.FileHost = resolveHosts(host)
		}
		e.mu.Unlock()
		if err := e.completeLogin(ctx, result.RedirectURI); err != nil {
			return nil, err
		}
	case 400, 500, 0:
		e.mu.Lock()
		e.state = StateQRExpired
		e.sess.UUID = ""
		e.mu.Unlock()
	}

	return result, nil
}

// completeLogin issues the newloginpage request and the subsequent init
// call (spec §4.1 "Login polling" code-200 branch, and "Init").
func (e *Engine) completeLogin(ctx context.Context, redirectURI string) error {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	fullURL := redirectURI + sep + "fun=new&version=v2"

	body, _, err := e.doRequest(ctx, http.MethodGet, fullURL, nil, nil, false)
	if err != nil {
		return err
	}

	var resp newLoginPageResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse newloginpage xml: %w", err)
	}

	if resp.Skey == "" || resp.Wxsid == "" || resp.Wxuin == "" || resp.PassTicket == "" {
		e.mu.Lock()
		e.state = StateQRExpired
		e.mu.Unlock()
		return fmt.Errorf("login rejected: missing one of skey/sid/uin/pass_ticket")
	}

	uin, _ := strconv.ParseInt(resp.Wxuin, 10, 64)

	e.mu.Lock()
	e.sess.Skey = resp.Skey
	e.sess.Sid = resp.Wxsid
	e.sess.Uin = uin
	e.sess.PassTicket = resp.PassTicket
	e.mu.Unlock()

	if err := e.init(ctx); err != nil {
		e.mu.Lock()
		e.sess.Clear()
		e.state = StateQRExpired
		e.mu.Unlock()
		return fmt.Errorf("login init failed: %w", err)
	}

	e.mu.Lock()
	e.state = StateLoggedIn
	e.mu.Unlock()

	if err := e.SaveSession(); err != nil {
		logs.Warn("[engine] save session after login: %v", err)
	}

	if e.loginCallbackURL != "" {
		go e.fireLoginCallback()
	}

	return nil
}

// init performs the authenticated webwxinit call (spec §4.1 "Init").
func (e *Engine) init(ctx context.Context) error {
	e.mu.Lock()
	baseReq := e.baseRequestLocked()
	loginHost := e.sess.LoginHost
	e.mu.Unlock()

	initURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxinit?pass_ticket=%s", loginHost, url.QueryEscape(baseReq["PassTicket"].(string)))
	payload := map[string]any{"BaseRequest": baseReq}

	body, status, err := e.doJSONRequest(ctx, http.MethodPost, initURL, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("webwxinit http status %d", status)
	}

	var resp initResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return err
	}
	if resp.BaseResponse.Ret != 0 {
		return fmt.Errorf("webwxinit Ret=%d", resp.BaseResponse.Ret)
	}

	cursor := session.Cursor{Count: resp.SyncKey.Count}
	for _, kv := range resp.SyncKey.List {
		cursor.List = append(cursor.List, session.CursorEntry{Key: strconv.Itoa(kv.Key), Val: strconv.Itoa(kv.Val)})
	}

	e.mu.Lock()
	e.sess.Cursor = cursor
	e.sess.UserName = resp.User.UserName
	e.mu.Unlock()

	return nil
}

func (e *Engine) fireLoginCallback() {
	resp, err := http.Get(e.loginCallbackURL)
	if err != nil {
		logs.Warn("[engine] login callback: %v", err)
		return
	}
	resp.Body.Close()
}

// baseRequestLocked builds the BaseRequest object every authenticated call
// needs. Caller must hold e.mu.
func (e *Engine) baseRequestLocked() map[string]any {
	return map[string]any{
		"Uin":        e.sess.Uin,
		"Sid":        e.sess.Sid,
		"Skey":       e.sess.Skey,
		"DeviceID":   e.sess.DeviceID,
		"PassTicket": e.sess.PassTicket,
	}
}

// formattedCursorLocked renders the sync cursor as "Key_Val|Key_Val|…"
// (spec §4.1 "Sync check"). Caller must hold e.mu.
func (e *Engine) formattedCursorLocked() string {
	parts := make([]string, 0, len(e.sess.Cursor.List))
	for _, kv := range e.sess.Cursor.List {
		parts = append(parts, kv.Key+"_"+kv.Val)
	}
	return strings.Join(parts, "|")
}

// ---------------------------------------------------------------------------
// transport
// ---------------------------------------------------------------------------

// doRequest issues a plain GET/POST and traces it. binary suppresses the
// body preview; use doJSONRequest for JSON POST bodies.
func (e *Engine) doRequest(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader, binary bool) ([]byte, int, error) {
	var bodyBytes []byte
	if body != nil {
		bodyBytes, _ = io.ReadAll(body)
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	dur := time.Since(start)
	if err != nil {
		e.tracer.Record(method, rawURL, headers, "", false, binary, 0, dur)
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	preview := string(bodyBytes)
	if binary {
		preview = ""
	}
	e.tracer.Record(method, rawURL, headers, preview, false, binary, resp.StatusCode, dur)

	return respBody, resp.StatusCode, nil
}

func (e *Engine) doJSONRequest(ctx context.Context, method, rawURL string, payload any) ([]byte, int, error) {
	raw, err := jsonMarshal(payload)
	if err != nil {
		return nil, 0, err
	}
	headers := map[string]string{"Content-Type": "application/json; charset=UTF-8"}
	return e.doRequest(ctx, method, rawURL, headers, bytes.NewReader(raw), false)
}

// ---------------------------------------------------------------------------
// sync
// ---------------------------------------------------------------------------

type syncCheckResponse struct {
	Retcode  string
	Selector string
}

var syncCheckPattern = regexp.MustCompile(`retcode\s*:\s*"(\d+)"\s*,\s*selector\s*:\s*"(\d+)"`)

// SyncCheck issues the synccheck long-poll (spec §4.1 "Sync check"). On
// transport failure it returns SyncResync per spec, never an error that
// aborts the caller's loop.
func (e *Engine) SyncCheck(ctx context.Context) SyncResult {
	e.mu.Lock()
	loginHost := e.sess.LoginHost
	cursor := e.formattedCursorLocked()
	uin := e.sess.Uin
	sid := e.sess.Sid
	skey := e.sess.Skey
	deviceID := e.sess.DeviceID
	e.mu.Unlock()

	checkURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/synccheck?r=%d&skey=%s&sid=%s&uin=%d&deviceid=%s&synckey=%s&_=%d",
		loginHost, time.Now().UnixMilli(), url.QueryEscape(skey), url.QueryEscape(sid), uin, deviceID, url.QueryEscape(cursor), time.Now().UnixMilli())

	body, _, err := e.doRequest(ctx, http.MethodGet, checkURL, nil, nil, false)
	if err != nil {
		return SyncResync
	}

	m := syncCheckPattern.FindSubmatch(body)
	if m == nil {
		return SyncResync
	}
	retcode := string(m[1])
	selector := string(m[2])

	if retcode != "0" {
		e.mu.Lock()
		e.sess.Clear()
		e.state = StateLoggedOut
		e.mu.Unlock()
		return SyncLogout
	}
	if selector == "0" {
		return SyncWait
	}
	return SyncHasMsg
}

type syncResponse struct {
	BaseResponse struct {
		Ret int `json:"Ret"`
	} `json:"BaseResponse"`
	SyncKey struct {
		Count int `json:"Count"`
		List  []struct {
			Key int `json:"Key"`
			Val int `json:"Val"`
		} `json:"List"`
	} `json:"SyncKey"`
	AddMsgList []struct {
		MsgId        string `json:"MsgId"`
		NewMsgId     string `json:"NewMsgId"`
		MsgType      int    `json:"MsgType"`
		FromUserName string `json:"FromUserName"`
		ToUserName   string `json:"ToUserName"`
		Content      string `json:"Content"`
		CreateTime   int64  `json:"CreateTime"`
		AppMsgType   int    `json:"AppMsgType"`
		MediaId      string `json:"MediaId"`
		FileName     string `json:"FileName"`
		FileSize     string `json:"FileSize"`
		EncryFileName string `json:"EncryFileName"`
	} `json:"AddMsgList"`
}

// Sync fetches AddMsgList and normalizes it into InboundMessages (spec
// §4.1 "Sync"). Messages whose sender and recipient both differ from
// filehelper are discarded.
func (e *Engine) Sync(ctx context.Context) ([]InboundMessage, error) {
	e.mu.Lock()
	loginHost := e.sess.LoginHost
	baseReq := e.baseRequestLocked()
	deviceID := e.sess.DeviceID
	e.mu.Unlock()

	syncURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsync?sid=%s&skey=%s&pass_ticket=%s&deviceid=%s",
		loginHost, baseReq["Sid"], baseReq["Skey"], baseReq["PassTicket"], deviceID)

	e.mu.Lock()
	payload := map[string]any{
		"BaseRequest": baseReq,
		"SyncKey":     rawCursor(e.sess.Cursor),
		"rr":          -time.Now().Unix(),
	}
	e.mu.Unlock()

	body, status, err := e.doJSONRequest(ctx, http.MethodPost, syncURL, payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("webwxsync http status %d", status)
	}

	var resp syncResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return nil, err
	}
	if resp.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("webwxsync Ret=%d", resp.BaseResponse.Ret)
	}

	cursor := session.Cursor{Count: resp.SyncKey.Count}
	for _, kv := range resp.SyncKey.List {
		cursor.List = append(cursor.List, session.CursorEntry{Key: strconv.Itoa(kv.Key), Val: strconv.Itoa(kv.Val)})
	}
	e.mu.Lock()
	e.sess.Cursor = cursor
	e.mu.Unlock()

	var out []InboundMessage
	for _, m := range resp.AddMsgList {
		if m.FromUserName != consts.FileHelperUserName && m.ToUserName != consts.FileHelperUserName {
			continue
		}

		if !e.seenIDs.Add(m.MsgId) {
			continue
		}

		size, _ := strconv.ParseInt(m.FileSize, 10, 64)
		raw := RawMessage{
			MsgID:         m.MsgId,
			MsgType:       m.MsgType,
			AppMsgType:    m.AppMsgType,
			FromUserName:  m.FromUserName,
			ToUserName:    m.ToUserName,
			Content:       m.Content,
			MediaID:       m.MediaId,
			EncryFileName: m.EncryFileName,
			FileName:      m.FileName,
			FileSize:      size,
			NewMsgID:      m.NewMsgId,
			CreateTime:    m.CreateTime,
		}
		e.rawByID.Set(m.MsgId, raw)

		inbound, ok := normalize(raw)
		if !ok {
			continue
		}
		e.recent.Push(inbound)
		out = append(out, inbound)
	}

	return out, nil
}

// normalize maps one upstream record to an InboundMessage per the table in
// spec §4.1. Unrecognized kinds are dropped.
func normalize(raw RawMessage) (InboundMessage, bool) {
	msg := InboundMessage{
		ID:        raw.MsgID,
		IsMine:    raw.FromUserName != consts.FileHelperUserName,
		Timestamp: time.Unix(raw.CreateTime, 0),
	}

	switch {
	case raw.MsgType == 1:
		msg.Kind = KindText
		msg.Content = html.UnescapeString(raw.Content)
	case raw.MsgType == 3:
		msg.Kind = KindImage
		msg.Content = "[Image]"
	case raw.MsgType == 49 && raw.AppMsgType == 6:
		msg.Kind = KindFile
		msg.FileName = raw.FileName
		msg.Content = fmt.Sprintf("[File: %s]", raw.FileName)
	default:
		return InboundMessage{}, false
	}

	return msg, true
}

func rawCursor(c session.Cursor) map[string]any {
	list := make([]map[string]any, 0, len(c.List))
	for _, kv := range c.List {
		k, _ := strconv.Atoi(kv.Key)
		v, _ := strconv.Atoi(kv.Val)
		list = append(list, map[string]any{"Key": k, "Val": v})
	}
	return map[string]any{"Count": c.Count, "List": list}
}

// ---------------------------------------------------------------------------
// send / upload / download
// ---------------------------------------------------------------------------

type sendResponse struct {
	BaseResponse struct {
		Ret int `json:"Ret"`
	} `json:"BaseResponse"`
	MsgID string `json:"MsgID"`
}

// SendText sends a text message to filehelper (spec §4.1 "Send text"). The
// generated id is recorded in the self-sent set so sync-echoes of this
// message are not re-dispatched (spec §4.6 self-echo suppression).
func (e *Engine) SendText(ctx context.Context, text string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.sess.IsAuthenticated() {
		return false, fmt.Errorf("not authenticated")
	}

	clientMsgID := fmt.Sprintf("%d%s", time.Now().UnixMilli(), utils.RandDigits(4))
	payload := map[string]any{
		"BaseRequest": e.baseRequestLocked(),
		"Scene":       0,
		"Msg": map[string]any{
			"Type":         1,
			"Content":      text,
			"FromUserName": e.sess.UserName,
			"ToUserName":   consts.FileHelperUserName,
			"LocalID":      clientMsgID,
			"ClientMsgId":  clientMsgID,
		},
	}

	sendURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendmsg?pass_ticket=%s", e.sess.LoginHost, e.sess.PassTicket)

	e.mu.Unlock()
	body, status, err := e.doJSONRequest(ctx, http.MethodPost, sendURL, payload)
	e.mu.Lock()
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("webwxsendmsg http status %d", status)
	}

	var resp sendResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return false, err
	}
	if resp.BaseResponse.Ret != 0 {
		return false, fmt.Errorf("webwxsendmsg Ret=%d", resp.BaseResponse.Ret)
	}

	id := resp.MsgID
	if id == "" {
		id = clientMsgID
	}
	e.selfSent.Add(id)

	return true, nil
}

// SendFile uploads and sends a file in three phases (spec §4.1 "Send
// file"): MIME detection, MD5, multipart upload, then a send call
// referencing the returned MediaId.
func (e *Engine) SendFile(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.Size() > consts.MaxSendFileBytes {
		return false, fmt.Errorf("file exceeds %d bytes", consts.MaxSendFileBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	sum := hex.EncodeToString(h.Sum(nil))
	f.Seek(0, io.SeekStart)

	ctype := mime.TypeByExtension(filepath.Ext(path))
	isImage := strings.HasPrefix(ctype, "image/")

	e.mu.Lock()
	fileHost := e.sess.FileHost
	baseReq := e.baseRequestLocked()
	e.mu.Unlock()

	uploadMeta := map[string]any{
		"UploadType":    2,
		"BaseRequest":   baseReq,
		"ClientMediaId": time.Now().UnixMilli(),
		"TotalLen":      info.Size(),
		"StartPos":      0,
		"DataLen":       info.Size(),
		"MediaType":     4,
	}
	metaRaw, _ := jsonMarshal(uploadMeta)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("uploadmediarequest", string(metaRaw))
	part, err := w.CreateFormFile("filename", filepath.Base(path))
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return false, err
	}
	w.Close()

	uploadURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxuploadmedia?f=json", fileHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	e.tracer.Record(http.MethodPost, uploadURL, nil, "", true, false, statusOf(resp), time.Since(start))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	var uploadResp struct {
		BaseResponse struct {
			Ret int `json:"Ret"`
		} `json:"BaseResponse"`
		MediaId string `json:"MediaId"`
	}
	if err := jsonUnmarshal(respBody, &uploadResp); err != nil {
		return false, err
	}
	if uploadResp.BaseResponse.Ret != 0 || uploadResp.MediaId == "" {
		return false, fmt.Errorf("webwxuploadmedia Ret=%d", uploadResp.BaseResponse.Ret)
	}

	if isImage {
		return e.sendImageMessage(ctx, uploadResp.MediaId)
	}
	return e.sendAppMessage(ctx, uploadResp.MediaId, filepath.Base(path), info.Size(), filepath.Ext(path), sum)
}

func (e *Engine) sendImageMessage(ctx context.Context, mediaID string) (bool, error) {
	e.mu.Lock()
	payload := map[string]any{
		"BaseRequest": e.baseRequestLocked(),
		"Msg": map[string]any{
			"Type":         3,
			"MediaId":      mediaID,
			"FromUserName": e.sess.UserName,
			"ToUserName":   consts.FileHelperUserName,
			"LocalID":      fmt.Sprintf("%d", time.Now().UnixMilli()),
			"ClientMsgId":  fmt.Sprintf("%d", time.Now().UnixMilli()),
		},
	}
	sendURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendmsgimg?fun=async&f=json&pass_ticket=%s", e.sess.LoginHost, e.sess.PassTicket)
	e.mu.Unlock()

	body, status, err := e.doJSONRequest(ctx, http.MethodPost, sendURL, payload)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("webwxsendmsgimg http status %d", status)
	}
	var resp sendResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return false, err
	}
	if resp.BaseResponse.Ret != 0 {
		return false, fmt.Errorf("webwxsendmsgimg Ret=%d", resp.BaseResponse.Ret)
	}
	e.selfSent.Add(resp.MsgID)
	return true, nil
}

// sendAppMessage builds the fixed-shape XML payload carrying filename,
// size, attach-id, and extension (spec §4.1 "Send file").
func (e *Engine) sendAppMessage(ctx context.Context, mediaID, name string, size int64, ext, md5sum string) (bool, error) {
	appMsgXML := fmt.Sprintf(
		`<appmsg appid="" sdkver=""><title>%s</title><des></des><action></action><type>6</type><content></content><url></url><lowurl></lowurl><appattach><totallen>%d</totallen><attachid>%s</attachid><fileext>%s</fileext></appattach><extinfo></extinfo></appmsg>`,
		name, size, mediaID, strings.TrimPrefix(ext, "."))

	e.mu.Lock()
	payload := map[string]any{
		"BaseRequest": e.baseRequestLocked(),
		"Msg": map[string]any{
			"Type":         49,
			"Content":      appMsgXML,
			"FromUserName": e.sess.UserName,
			"ToUserName":   consts.FileHelperUserName,
			"LocalID":      fmt.Sprintf("%d", time.Now().UnixMilli()),
			"ClientMsgId":  fmt.Sprintf("%d", time.Now().UnixMilli()),
		},
		"Scene": 0,
	}
	sendURL := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendappmsg?fun=async&f=json&pass_ticket=%s", e.sess.LoginHost, e.sess.PassTicket)
	e.mu.Unlock()

	body, status, err := e.doJSONRequest(ctx, http.MethodPost, sendURL, payload)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("webwxsendappmsg http status %d", status)
	}
	var resp sendResponse
	if err := jsonUnmarshal(body, &resp); err != nil {
		return false, err
	}
	if resp.BaseResponse.Ret != 0 {
		return false, fmt.Errorf("webwxsendappmsg Ret=%d", resp.BaseResponse.Ret)
	}
	e.selfSent.Add(resp.MsgID)
	return true, nil
}

// Download resolves msgID's raw record and writes the attachment body to
// destPath (spec §4.1 "Download").
func (e *Engine) Download(ctx context.Context, msgID, destPath string) error {
	raw, ok := e.rawByID.Get(msgID)
	if !ok {
		return fmt.Errorf("no raw record for message %s", msgID)
	}

	e.mu.Lock()
	loginHost := e.sess.LoginHost
	fileHost := e.sess.FileHost
	skey := e.sess.Skey
	uin := e.sess.Uin
	passTicket := e.sess.PassTicket
	sid := e.sess.Sid
	e.mu.Unlock()

	var downloadURL string
	switch {
	case raw.MsgType == 3:
		downloadURL = fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxgetmsgimg?MsgID=%s&skey=%s&type=slave", loginHost, msgID, url.QueryEscape(skey))
	case raw.MsgType == 49:
		dataTicket := cookieValue(e.jar, fileHost, "webwx_data_ticket")
		downloadURL = fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxgetmedia?sender=%s&mediaid=%s&encryfilename=%s&uin=%d&pass_ticket=%s&webwx_data_ticket=%s&sid=%s",
			fileHost, raw.FromUserName, raw.MediaID, raw.EncryFileName, uin, passTicket, dataTicket, sid)
	default:
		return fmt.Errorf("message %s has no downloadable content", msgID)
	}

	body, status, err := e.doRequest(ctx, http.MethodGet, downloadURL, nil, nil, true)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("download http status %d", status)
	}

	if dir := filepath.Dir(destPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(destPath, body, 0o644)
}

func cookieValue(jar http.CookieJar, host, name string) string {
	u := &url.URL{Scheme: "https", Host: host}
	for _, c := range jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// SelfSentIDs exposes the bounded self-sent set for the dispatcher's
// self-echo suppression check (spec §4.6). The ingestion loop keeps its own
// separate ring of recent reply texts (internal/ingest).
func (e *Engine) SelfSentIDs() *cache.BoundedSet {
	return e.selfSent
}

// CheckLoginStatus drives the login state machine one step forward when
// poll is true: it acquires a fresh QR if none is pending, then issues one
// login-poll tick, and reports whether the engine ended up authenticated.
// Used by C8 (ingestion loop, on every tick while logged out) and C9
// (supervision, after a reconnect delay) per spec §4.8/§4.9.
func (e *Engine) CheckLoginStatus(ctx context.Context, poll bool) (bool, error) {
	if e.IsLoggedIn() {
		return true, nil
	}
	if !poll {
		return false, nil
	}

	switch e.State() {
	case StateUnstarted, StateNeedQR, StateQRExpired, StateLoggedOut:
		if _, err := e.AcquireQR(ctx); err != nil {
			return false, err
		}
	}

	if _, err := e.PollLogin(ctx); err != nil {
		return false, err
	}

	return e.IsLoggedIn(), nil
}

// GetLatestMessages returns up to limit of the most recently normalized
// messages, newest first (spec §4.8 step 2: the ingestion loop reverses
// this to dispatch oldest-first).
func (e *Engine) GetLatestMessages(limit int) []InboundMessage {
	all := e.recent.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]InboundMessage, len(all))
	for i, v := range all {
		out[len(all)-1-i] = v
	}
	return out
}

// Logout clears the session and returns the engine to NeedQR, used by the
// `/logout` framework-management command.
func (e *Engine) Logout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Clear()
	e.state = StateNeedQR
}

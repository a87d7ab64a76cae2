// Package session implements the authentication-state document (spec §3
// Session, §4.3 C2 Session store): a single JSON file holding the upstream
// tokens, sync cursor, device id, and cookie jar. It is written after a
// completed login, on a 60s tick while logged in, and at shutdown (see
// internal/supervisor); other state changes, such as sync-cursor updates or
// a logout, reach the file only at the next of those writes.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// CursorEntry is one {Key,Val} pair of the opaque upstream sync cursor.
type CursorEntry struct {
	Key string `json:"Key"`
	Val string `json:"Val"`
}

// Cursor is the opaque sync cursor the upstream protocol requires on every
// synccheck/sync call.
type Cursor struct {
	Count int           `json:"Count"`
	List  []CursorEntry `json:"List"`
}

// CookieTuple is one persisted cookie.
type CookieTuple struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain"`
	Path    string    `json:"path"`
	Expires time.Time `json:"expires"`
}

// Session is the authentication state required to talk to the upstream
// host (spec §3). The invariant `{Skey,Sid,Uin,PassTicket}` are either all
// present or all absent is enforced by IsAuthenticated and by Clear.
type Session struct {
	EntryHost string `json:"entry_host"`
	LoginHost string `json:"login_host"`
	FileHost  string `json:"file_host"`
	DeviceID  string `json:"device_id"`

	UUID       string    `json:"uuid"`
	UUIDIssued time.Time `json:"uuid_issued"`

	Skey       string `json:"skey"`
	Sid        string `json:"sid"`
	Uin        int64  `json:"uin"`
	PassTicket string `json:"pass_ticket"`
	UserName   string `json:"user_name"`

	Cursor  Cursor        `json:"cursor"`
	Cookies []CookieTuple `json:"cookies"`
}

// IsAuthenticated reports whether all four auth tokens are present.
func (s *Session) IsAuthenticated() bool {
	return s.Skey != "" && s.Sid != "" && s.Uin != 0 && s.PassTicket != ""
}

// Clear resets the auth tokens and cursor, leaving entry/login/file host and
// device id untouched (spec §3: cleared on explicit logout or hard failure).
func (s *Session) Clear() {
	s.UUID = ""
	s.Skey = ""
	s.Sid = ""
	s.Uin = 0
	s.PassTicket = ""
	s.UserName = ""
	s.Cursor = Cursor{}
}

// Store persists a Session to a single indented JSON file and rebuilds a
// cookiejar.Jar from it on load.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the session document, if present, and returns a populated
// http.CookieJar alongside it. A missing file yields an empty Session and a
// fresh jar (not an error — spec §3: "created empty at boot").
func (st *Store) Load() (*Session, http.CookieJar, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, err
	}

	raw, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return &Session{}, jar, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var s Session
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return nil, nil, err
	}

	populateJar(jar, s.Cookies)
	return &s, jar, nil
}

// Save writes the session document (with the jar's current cookies merged
// in) atomically-ish: write to a temp file then rename.
func (st *Store) Save(s *Session, jar http.CookieJar) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s.Cookies = drainJar(jar, s.EntryHost, s.LoginHost, s.FileHost)

	raw, err := sonic.Config{SortMapKeys: true}.Froze().MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(st.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}

func populateJar(jar http.CookieJar, cookies []CookieTuple) {
	byDomain := map[string][]*http.Cookie{}
	for _, c := range cookies {
		byDomain[c.Domain] = append(byDomain[c.Domain], &http.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Path:    c.Path,
			Expires: c.Expires,
		})
	}
	for domain, cs := range byDomain {
		u := &url.URL{Scheme: "https", Host: domain}
		jar.SetCookies(u, cs)
	}
}

func drainJar(jar http.CookieJar, hosts ...string) []CookieTuple {
	var out []CookieTuple
	seen := map[string]bool{}
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		u := &url.URL{Scheme: "https", Host: h}
		for _, c := range jar.Cookies(u) {
			out = append(out, CookieTuple{
				Name:    c.Name,
				Value:   c.Value,
				Domain:  h,
				Path:    c.Path,
				Expires: c.Expires,
			})
		}
	}
	return out
}

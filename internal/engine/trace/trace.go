// Package trace implements the redact-and-buffer request tracer (spec §4.2,
// C1). It intercepts every outbound engine request/response, redacts
// sensitive headers and parameters, keeps a bounded in-memory ring, and
// flushes to an append-only JSON-lines file every 2s.
package trace

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/tgifai/wxfhbridge/internal/consts"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
)

const flushInterval = 2 * time.Second

var sensitiveHeaders = map[string]bool{
	"cookie":        true,
	"set-cookie":    true,
	"authorization": true,
}

// sensitiveParams is the fixed set of query/JSON-body parameter names
// redacted in trace output (spec §4.2).
var sensitiveParams = []string{
	"pass_ticket", "webwx_data_ticket", "skey", "sid", "wxsid",
	"deviceid", "uin", "aeskey", "signature",
}

// urlPatterns and jsonPatterns must stay in this order: URL-style patterns
// are applied before JSON-style patterns so a `"pass_ticket":"…"` occurrence
// inside a JSON body is matched exactly once (spec §9 Design Notes).
var (
	urlPatterns  []*regexp.Regexp
	jsonPatterns []*regexp.Regexp
)

func init() {
	for _, name := range sensitiveParams {
		urlPatterns = append(urlPatterns, regexp.MustCompile(`(?i)(\b`+regexp.QuoteMeta(name)+`=)[^&\s"]+`))
		jsonPatterns = append(jsonPatterns, regexp.MustCompile(`(?i)("`+regexp.QuoteMeta(name)+`"\s*:\s*")[^"]*(")`))
	}
}

// Record is one traced request/response pair.
type Record struct {
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Headers    string    `json:"headers,omitempty"`
	BodyPrev   string    `json:"body_preview,omitempty"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder buffers records and flushes them to an append-only file.
type Recorder struct {
	enabled bool
	redact  bool
	maxBody int
	dir     string

	mu   sync.Mutex
	ring []Record

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(enabled, redact bool, maxBody int, dir string) *Recorder {
	return &Recorder{
		enabled: enabled,
		redact:  redact,
		maxBody: maxBody,
		dir:     dir,
		ring:    make([]Record, 0, consts.TraceRingCapacity),
	}
}

// Start launches the periodic flusher. It is a no-op if tracing is disabled.
func (r *Recorder) Start(ctx context.Context) {
	if !r.enabled {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.flush()
				return
			case <-ticker.C:
				r.flush()
			}
		}
	}()
}

// Stop cancels the flusher and performs one final flush.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Record appends a trace entry for one outbound request/response, applying
// redaction if enabled. isMultipart and isBinary short-circuit the body
// preview per spec §4.2.
func (r *Recorder) Record(method, url string, headers map[string]string, body string, isMultipart, isBinary bool, status int, dur time.Duration) {
	if !r.enabled {
		return
	}

	rec := Record{
		ID:         uuid.New().String(),
		Method:     method,
		Status:     status,
		DurationMS: dur.Milliseconds(),
		Timestamp:  time.Now(),
	}

	if r.redact {
		rec.URL = redactURL(url)
		rec.Headers = redactHeaders(headers)
	} else {
		rec.URL = url
		rec.Headers = joinHeaders(headers)
	}

	switch {
	case isMultipart:
		rec.BodyPrev = "<<multipart omitted>>"
	case isBinary:
		rec.BodyPrev = fmt.Sprintf("<<binary %d bytes omitted>>", len(body))
	default:
		preview := body
		if r.maxBody > 0 && len(preview) > r.maxBody {
			preview = preview[:r.maxBody]
		}
		if r.redact {
			preview = redactJSON(preview)
		}
		rec.BodyPrev = preview
	}

	r.mu.Lock()
	r.ring = append(r.ring, rec)
	if len(r.ring) > consts.TraceRingCapacity {
		r.ring = r.ring[len(r.ring)-consts.TraceRingCapacity:]
	}
	r.mu.Unlock()
}

// Recent returns up to limit of the most recently recorded entries still
// held in the in-memory ring (spec §6 "trace inspection").
func (r *Recorder) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.ring) {
		limit = len(r.ring)
	}
	start := len(r.ring) - limit
	out := make([]Record, limit)
	copy(out, r.ring[start:])
	return out
}

func (r *Recorder) flush() {
	r.mu.Lock()
	pending := r.ring
	r.ring = make([]Record, 0, consts.TraceRingCapacity)
	r.mu.Unlock()

	if len(pending) == 0 || r.dir == "" {
		return
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		logs.Warn("[trace] mkdir %s: %v", r.dir, err)
		return
	}

	f, err := os.OpenFile(filepath.Join(r.dir, "trace.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logs.Warn("[trace] open trace log: %v", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, rec := range pending {
		raw, err := sonic.Marshal(rec)
		if err != nil {
			continue
		}
		w.Write(raw)
		w.WriteByte('\n')
	}
	w.Flush()
}

// redactURL applies the precompiled URL-style patterns (name=value) first.
func redactURL(s string) string {
	for _, p := range urlPatterns {
		s = p.ReplaceAllString(s, "${1}***")
	}
	return s
}

// redactJSON applies URL-style patterns first, then JSON-style patterns, in
// that fixed order (spec §9 redaction ordering invariant).
func redactJSON(s string) string {
	for _, p := range urlPatterns {
		s = p.ReplaceAllString(s, "${1}***")
	}
	for _, p := range jsonPatterns {
		s = p.ReplaceAllString(s, "${1}***${2}")
	}
	return s
}

func redactHeaders(headers map[string]string) string {
	parts := make([]string, 0, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			v = "***"
		}
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, "; ")
}

func joinHeaders(headers map[string]string) string {
	parts := make([]string, 0, len(headers))
	for k, v := range headers {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, "; ")
}

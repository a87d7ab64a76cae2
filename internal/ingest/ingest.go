// Package ingest implements the ingestion loop (spec §4.8, C8): a single
// cooperative loop that polls the protocol engine for new messages,
// deduplicates, auto-downloads attachments, persists, and hands each
// message to the dispatcher, sending any reply back through the engine.
//
// Grounded structurally on internal/gateway/gateway.go's run loop (single
// goroutine, context-cancellable, adaptive sleep) and on internal/engine's
// bounded-cache package for the processed-key deque+set pair.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/dispatch"
	"github.com/tgifai/wxfhbridge/internal/engine"
	"github.com/tgifai/wxfhbridge/internal/engine/cache"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/store"
)

const (
	pingLiteral = "#ping#"

	minSleep   = 500 * time.Millisecond
	maxSleep   = 3000 * time.Millisecond
	backoffFac = 1.2

	fetchLimit = 12

	processedKeyCapacity = 5000
	processedKeySlack    = 100
)

// Loop is the C8 ingestion loop.
type Loop struct {
	eng  *engine.Engine
	disp *dispatch.Dispatcher
	st   *store.Store
	cfg  *config.Config

	processedQueue []string
	processedSet   *cache.BoundedSet
	recentReplies  *cache.Ring[string]

	reconnectCount int

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(eng *engine.Engine, disp *dispatch.Dispatcher, st *store.Store, cfg *config.Config) *Loop {
	return &Loop{
		eng:           eng,
		disp:          disp,
		st:            st,
		cfg:           cfg,
		processedSet:  cache.NewBoundedSet(processedKeyCapacity, processedKeySlack),
		recentReplies: cache.NewRing[string](64),
	}
}

func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	sleep := minSleep
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := l.tick(ctx)
		if err != nil {
			logs.CtxWarn(ctx, "[ingest] tick error: %v", err)
		}

		if processed {
			sleep = minSleep
		} else {
			sleep = time.Duration(float64(sleep) * backoffFac)
			if sleep > maxSleep {
				sleep = maxSleep
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one iteration of spec §4.8's numbered steps, returning whether
// at least one message was processed (drives the adaptive pacing).
func (l *Loop) tick(ctx context.Context) (bool, error) {
	if !l.eng.IsLoggedIn() {
		recovered, err := l.eng.CheckLoginStatus(ctx, true)
		if err != nil {
			return false, err
		}
		if recovered {
			l.reconnectCount = 0
		}
		return false, nil
	}

	messages := l.eng.GetLatestMessages(fetchLimit)
	processedAny := false

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		key := msg.ID
		if key == "" {
			key = msg.Content
		}
		if key == "" {
			continue
		}
		if !l.markProcessed(key) {
			continue
		}
		if l.isRecentReply(msg.Content) {
			continue
		}
		if msg.Content == pingLiteral {
			continue
		}

		l.maybeDownload(ctx, &msg)

		reply, err := l.disp.Dispatch(ctx, msg, true)
		if err != nil {
			logs.CtxWarn(ctx, "[ingest] dispatch message %s: %v", msg.ID, err)
		}
		if reply != "" {
			if _, sendErr := l.eng.SendText(ctx, reply); sendErr != nil {
				logs.CtxWarn(ctx, "[ingest] send reply for %s: %v", msg.ID, sendErr)
			}
			l.recentReplies.Push(reply)
		}
		processedAny = true
	}

	return processedAny, nil
}

// markProcessed records key in the bounded deque+set pair (spec §4.8
// "Processed-key storage"), returning false if key was already seen.
func (l *Loop) markProcessed(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.processedSet.Contains(key) {
		return false
	}
	l.processedSet.Add(key)
	l.processedQueue = append(l.processedQueue, key)
	if len(l.processedQueue) > processedKeyCapacity {
		l.processedQueue = l.processedQueue[len(l.processedQueue)-processedKeyCapacity:]
	}
	return true
}

// isRecentReply suppresses self-echo at the text layer (spec §4.8 step 3).
func (l *Loop) isRecentReply(content string) bool {
	if content == "" {
		return false
	}
	for _, r := range l.recentReplies.Snapshot() {
		if r == content {
			return true
		}
	}
	return false
}

// maybeDownload auto-downloads image/file attachments (spec §4.8 step 4).
func (l *Loop) maybeDownload(ctx context.Context, msg *engine.InboundMessage) {
	if !l.cfg.Storage.AutoDownload {
		return
	}
	if msg.Kind != engine.KindImage && msg.Kind != engine.KindFile {
		return
	}

	name := msg.FileName
	if name == "" {
		name = "download_" + msg.ID
	}
	if msg.Kind == engine.KindImage && filepath.Ext(name) == "" {
		name += ".jpg"
	}

	dir := l.cfg.Storage.DownloadDir
	if l.cfg.Storage.FileDateSubdir {
		dir = filepath.Join(dir, time.Now().Format("2006-01-02"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logs.CtxWarn(ctx, "[ingest] mkdir download dir: %v", err)
		return
	}

	dest := filepath.Join(dir, sanitizeFileName(name))
	if err := l.eng.Download(ctx, msg.ID, dest); err != nil {
		logs.CtxWarn(ctx, "[ingest] download %s: %v", msg.ID, err)
		return
	}

	msg.LocalPath = dest
	if info, err := os.Stat(dest); err == nil {
		msg.LocalSize = info.Size()
	}

	if l.st != nil {
		if _, err := l.st.SaveFile(store.File{
			MsgID:      msg.ID,
			Name:       filepath.Base(dest),
			Path:       dest,
			Size:       msg.LocalSize,
			Downloaded: true,
		}); err != nil {
			logs.CtxWarn(ctx, "[ingest] record downloaded file %s: %v", msg.ID, err)
		}
	}
}

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		return fmt.Sprintf("download_%d", time.Now().UnixNano())
	}
	return name
}

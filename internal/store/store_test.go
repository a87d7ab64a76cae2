package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndGetMessage(t *testing.T) {
	s := openTest(t)

	rowID, err := s.SaveMessage(Message{MsgID: "1", Kind: "text", Text: "/ping", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if rowID == 0 {
		t.Fatal("expected non-zero row id")
	}

	m, err := s.GetMessage("1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m == nil || m.Text != "/ping" {
		t.Fatalf("GetMessage: got %+v", m)
	}
}

func TestStore_SaveMessage_UpsertOnConflict(t *testing.T) {
	s := openTest(t)

	id1, _ := s.SaveMessage(Message{MsgID: "dup", Kind: "text", Text: "first", Timestamp: time.Now()})
	id2, _ := s.SaveMessage(Message{MsgID: "dup", Kind: "text", Text: "second", Timestamp: time.Now()})
	if id1 != id2 {
		t.Fatalf("expected same row id on conflict, got %d and %d", id1, id2)
	}

	m, _ := s.GetMessage("dup")
	if m.Text != "second" {
		t.Fatalf("expected replaced row, got %q", m.Text)
	}
}

func TestStore_RowIDMonotonic(t *testing.T) {
	s := openTest(t)

	id1, _ := s.SaveMessage(Message{MsgID: "a", Kind: "text", Timestamp: time.Now()})
	id2, _ := s.SaveMessage(Message{MsgID: "b", Kind: "text", Timestamp: time.Now()})
	if id2 <= id1 {
		t.Fatalf("row ids not monotonic: %d then %d", id1, id2)
	}
}

func TestStore_GetUpdates(t *testing.T) {
	s := openTest(t)

	for i := 0; i < 5; i++ {
		s.SaveMessage(Message{MsgID: string(rune('a' + i)), Kind: "text", Timestamp: time.Now()})
	}

	updates, err := s.GetUpdates(2, 10, "", nil)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	for _, u := range updates {
		if u.RowID <= 2 {
			t.Fatalf("row id %d should be > offset 2", u.RowID)
		}
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].RowID <= updates[i-1].RowID {
			t.Fatal("updates must be ascending")
		}
	}
}

func TestStore_GetUpdates_LimitCapped(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 3; i++ {
		s.SaveMessage(Message{MsgID: string(rune('a' + i)), Kind: "text", Timestamp: time.Now()})
	}
	updates, err := s.GetUpdates(0, 5000, "", nil)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) > 1000 {
		t.Fatalf("expected at most 1000 rows, got %d", len(updates))
	}
}

func TestStore_GetLatest_Ascending(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 5; i++ {
		s.SaveMessage(Message{MsgID: string(rune('a' + i)), Kind: "text", Timestamp: time.Now()})
	}

	latest, err := s.GetLatest(3)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if len(latest) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(latest))
	}
	for i := 1; i < len(latest); i++ {
		if latest[i].RowID <= latest[i-1].RowID {
			t.Fatal("GetLatest must be reversed to ascending")
		}
	}
}

func TestStore_SaveAndGetFile(t *testing.T) {
	s := openTest(t)
	id, err := s.SaveFile(File{MsgID: "77", Name: "a.jpg", Path: "/tmp/a.jpg", Size: 10, Downloaded: true})
	if err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero file id")
	}

	f, err := s.GetFileByMsgID("77")
	if err != nil {
		t.Fatalf("GetFileByMsgID: %v", err)
	}
	if f == nil || f.Path != "/tmp/a.jpg" {
		t.Fatalf("GetFileByMsgID: got %+v", f)
	}
}

func TestStore_KV(t *testing.T) {
	s := openTest(t)
	if got := s.GetKV("missing", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
	if err := s.SetKV("k", "v"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if got := s.GetKV("k", "default"); got != "v" {
		t.Fatalf("expected v, got %q", got)
	}
}

func TestStore_CleanupOldMessages(t *testing.T) {
	s := openTest(t)
	old := time.Now().AddDate(0, 0, -10)
	s.SaveMessage(Message{MsgID: "old", Kind: "text", Timestamp: old})
	s.SaveMessage(Message{MsgID: "new", Kind: "text", Timestamp: time.Now()})

	n, err := s.CleanupOldMessages(5)
	if err != nil {
		t.Fatalf("CleanupOldMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}

	m, _ := s.GetMessage("old")
	if m != nil {
		t.Fatal("expected old message to be removed")
	}
	m, _ = s.GetMessage("new")
	if m == nil {
		t.Fatal("expected new message to survive")
	}
}

func TestStore_GetStats(t *testing.T) {
	s := openTest(t)
	s.SaveMessage(Message{MsgID: "1", Kind: "text", Timestamp: time.Now()})
	s.SaveFile(File{MsgID: "1", Name: "a", Path: "/tmp/a"})

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.MessageCount != 1 || stats.FileCount != 1 {
		t.Fatalf("GetStats: got %+v", stats)
	}
}

// Package store implements the durable message store (spec §4.4, C3): an
// embedded relational table-backed store — spec §1 calls it out as "an
// opaque table-backed key-value store with SQL-like queries" — exposing
// the save/get/updates/files/kv/cleanup/stats operations the ingestion
// loop, dispatcher, and HTTP surface all read and write.
//
// Grounded in spec §4.4's WAL/page-cache/index language via
// database/sql + github.com/mattn/go-sqlite3, one persistent connection
// guarded by a single exclusive lock (spec §4.4 "Concurrency").
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	row_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id      TEXT NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	text        TEXT NOT NULL DEFAULT '',
	is_mine     INTEGER NOT NULL DEFAULT 0,
	timestamp   INTEGER NOT NULL,
	file_name   TEXT,
	file_path   TEXT,
	file_size   INTEGER,
	reply_to    TEXT,
	raw_json    TEXT,
	extra_json  TEXT,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_msg_id ON messages(msg_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind);

CREATE TABLE IF NOT EXISTS files (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id      TEXT NOT NULL,
	name        TEXT NOT NULL,
	path        TEXT NOT NULL,
	size        INTEGER NOT NULL DEFAULT 0,
	mime        TEXT,
	md5         TEXT,
	downloaded  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_msg_id ON files(msg_id);
CREATE INDEX IF NOT EXISTS idx_files_created_at ON files(created_at);

CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Message is the durable projection of engine.InboundMessage, plus the
// monotonic row id used as the updates-feed cursor (spec §3 StoredMessage).
type Message struct {
	RowID     int64
	MsgID     string
	Kind      string
	Text      string
	IsMine    bool
	Timestamp time.Time
	FileName  string
	FilePath  string
	FileSize  int64
	ReplyTo   string
	RawJSON   string
	ExtraJSON string
	CreatedAt time.Time
}

// File is a downloaded attachment's metadata (spec §3 StoredFile).
type File struct {
	ID         int64
	MsgID      string
	Name       string
	Path       string
	Size       int64
	MIME       string
	MD5        string
	Downloaded bool
	CreatedAt  time.Time
}

// Stats is the cached summary get_stats() returns (spec §4.4).
type Stats struct {
	MessageCount int64
	FileCount    int64
	OldestTS     time.Time
	NewestTS     time.Time
}

const statsCacheTTL = 5 * time.Second

// Store is the message store. One *sql.DB with a single open connection,
// guarded additionally by an explicit mutex so the WAL journal and the
// page/temp cache settings spec §4.4 names stay effective even under the
// cooperative single-loop model described in spec §5.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	statsMu      sync.Mutex
	statsCache   Stats
	statsCacheAt time.Time
}

// Open creates (if needed) and opens the sqlite-backed store at path,
// applying the pragmas spec §4.4 calls for: WAL journal, in-memory temp
// store and page cache, auto-commit (sqlite's default).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA temp_store = MEMORY;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set temp_store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage upserts a row keyed by msg_id (spec §3 StoredMessage: "on
// conflict the row is replaced") and returns its row id.
func (s *Store) SaveMessage(m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO messages (msg_id, kind, text, is_mine, timestamp, file_name, file_path, file_size, reply_to, raw_json, extra_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			kind=excluded.kind, text=excluded.text, is_mine=excluded.is_mine,
			timestamp=excluded.timestamp, file_name=excluded.file_name,
			file_path=excluded.file_path, file_size=excluded.file_size,
			reply_to=excluded.reply_to, raw_json=excluded.raw_json, extra_json=excluded.extra_json`,
		m.MsgID, m.Kind, m.Text, boolToInt(m.IsMine), m.Timestamp.Unix(),
		nullable(m.FileName), nullable(m.FilePath), m.FileSize, nullable(m.ReplyTo),
		nullable(m.RawJSON), nullable(m.ExtraJSON), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}

	// LastInsertId is not updated when the conflict path runs the UPDATE, so
	// read the row id back by msg_id in both cases.
	var rowID int64
	row := s.db.QueryRow(`SELECT row_id FROM messages WHERE msg_id = ?`, m.MsgID)
	if scanErr := row.Scan(&rowID); scanErr != nil {
		return 0, fmt.Errorf("resolve row id after upsert: %w", scanErr)
	}
	return rowID, nil
}

func (s *Store) GetMessage(msgID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scanOneMessage(s.db.QueryRow(`SELECT row_id, msg_id, kind, text, is_mine, timestamp, file_name, file_path, file_size, reply_to, raw_json, extra_json, created_at FROM messages WHERE msg_id = ?`, msgID))
}

func (s *Store) GetMessageByRowID(rowID int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scanOneMessage(s.db.QueryRow(`SELECT row_id, msg_id, kind, text, is_mine, timestamp, file_name, file_path, file_size, reply_to, raw_json, extra_json, created_at FROM messages WHERE row_id = ?`, rowID))
}

// GetUpdates returns rows with row_id > offset, ascending, up to
// min(limit,1000), optionally filtered by kind and/or a since timestamp
// (spec §4.4, §8 testable property).
func (s *Store) GetUpdates(offset int64, limit int, kind string, sinceTS *time.Time) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT row_id, msg_id, kind, text, is_mine, timestamp, file_name, file_path, file_size, reply_to, raw_json, extra_json, created_at FROM messages WHERE row_id > ?`
	args := []any{offset}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if sinceTS != nil {
		query += ` AND timestamp >= ?`
		args = append(args, sinceTS.Unix())
	}
	query += ` ORDER BY row_id ASC LIMIT ?`
	args = append(args, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetLatest returns the most recent limit rows, reversed to ascending
// order (spec §4.4).
func (s *Store) GetLatest(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT row_id, msg_id, kind, text, is_mine, timestamp, file_name, file_path, file_size, reply_to, raw_json, extra_json, created_at FROM messages ORDER BY row_id DESC LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("get latest: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) SaveFile(f File) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	res, err := s.db.Exec(`INSERT INTO files (msg_id, name, path, size, mime, md5, downloaded, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.MsgID, f.Name, f.Path, f.Size, nullable(f.MIME), nullable(f.MD5), boolToInt(f.Downloaded), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("save file: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetFileByMsgID(msgID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, msg_id, name, path, size, mime, md5, downloaded, created_at FROM files WHERE msg_id = ? ORDER BY id DESC LIMIT 1`, msgID)
	return scanOneFile(row)
}

func (s *Store) GetFiles(limit, offset int) ([]File, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT id, msg_id, name, path, size, mime, md5, downloaded, created_at FROM files ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("get files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// DeleteFile removes a file row, optionally also deleting the on-disk copy
// (spec §3 StoredFile: "Deletion of the row may optionally delete the
// file").
func (s *Store) DeleteFile(id int64, deleteOnDisk bool) error {
	s.mu.Lock()
	var path string
	row := s.db.QueryRow(`SELECT path FROM files WHERE id = ?`, id)
	if err := row.Scan(&path); err != nil {
		s.mu.Unlock()
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("lookup file before delete: %w", err)
	}
	_, err := s.db.Exec(`DELETE FROM files WHERE id = ?`, id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete file row: %w", err)
	}
	if deleteOnDisk && path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			logs.Warn("[store] delete on-disk file %s: %v", path, rmErr)
		}
	}
	return nil
}

func (s *Store) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *Store) GetKV(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	row := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key)
	if err := row.Scan(&v); err != nil {
		return def
	}
	return v
}

// CleanupOldMessages removes rows older than days (spec §3 StoredMessage
// retention sweep).
func (s *Store) CleanupOldMessages(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old messages: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOldFiles sweeps file rows older than days, optionally deleting
// the on-disk copies too (spec §4.9 "Retention" / spec §4.4).
func (s *Store) CleanupOldFiles(days int, deleteFiles bool) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	s.mu.Lock()
	rows, err := s.db.Query(`SELECT id, path FROM files WHERE created_at < ?`, cutoff)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("select old files: %w", err)
	}
	type idPath struct {
		id   int64
		path string
	}
	var victims []idPath
	for rows.Next() {
		var ip idPath
		if err := rows.Scan(&ip.id, &ip.path); err == nil {
			victims = append(victims, ip)
		}
	}
	rows.Close()

	if len(victims) > 0 {
		if _, err := s.db.Exec(`DELETE FROM files WHERE created_at < ?`, cutoff); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("delete old files: %w", err)
		}
	}
	s.mu.Unlock()

	if deleteFiles {
		for _, v := range victims {
			if v.path == "" {
				continue
			}
			if rmErr := os.Remove(v.path); rmErr != nil && !os.IsNotExist(rmErr) {
				logs.Warn("[store] retention delete %s: %v", v.path, rmErr)
			}
		}
	}
	return int64(len(victims)), nil
}

// GetStats returns message/file counts with a 5s cache (spec §4.4).
func (s *Store) GetStats() (Stats, error) {
	s.statsMu.Lock()
	if time.Since(s.statsCacheAt) < statsCacheTTL && !s.statsCacheAt.IsZero() {
		stats := s.statsCache
		s.statsMu.Unlock()
		return stats, nil
	}
	s.statsMu.Unlock()

	s.mu.Lock()
	var stats Stats
	var oldest, newest sql.NullInt64
	row := s.db.QueryRow(`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM messages`)
	err := row.Scan(&stats.MessageCount, &oldest, &newest)
	if err != nil {
		s.mu.Unlock()
		return Stats{}, fmt.Errorf("stats messages: %w", err)
	}
	if oldest.Valid {
		stats.OldestTS = time.Unix(oldest.Int64, 0)
	}
	if newest.Valid {
		stats.NewestTS = time.Unix(newest.Int64, 0)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM files`)
	err = row.Scan(&stats.FileCount)
	s.mu.Unlock()
	if err != nil {
		return Stats{}, fmt.Errorf("stats files: %w", err)
	}

	s.statsMu.Lock()
	s.statsCache = stats
	s.statsCacheAt = time.Now()
	s.statsMu.Unlock()

	return stats, nil
}

func scanOneMessage(row *sql.Row) (*Message, error) {
	var m Message
	var ts, createdAt int64
	var isMine int
	var fileName, filePath, replyTo, rawJSON, extraJSON sql.NullString
	var fileSize sql.NullInt64
	err := row.Scan(&m.RowID, &m.MsgID, &m.Kind, &m.Text, &isMine, &ts, &fileName, &filePath, &fileSize, &replyTo, &rawJSON, &extraJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.IsMine = isMine != 0
	m.Timestamp = time.Unix(ts, 0)
	m.CreatedAt = time.Unix(createdAt, 0)
	m.FileName = fileName.String
	m.FilePath = filePath.String
	m.FileSize = fileSize.Int64
	m.ReplyTo = replyTo.String
	m.RawJSON = rawJSON.String
	m.ExtraJSON = extraJSON.String
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var ts, createdAt int64
		var isMine int
		var fileName, filePath, replyTo, rawJSON, extraJSON sql.NullString
		var fileSize sql.NullInt64
		if err := rows.Scan(&m.RowID, &m.MsgID, &m.Kind, &m.Text, &isMine, &ts, &fileName, &filePath, &fileSize, &replyTo, &rawJSON, &extraJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.IsMine = isMine != 0
		m.Timestamp = time.Unix(ts, 0)
		m.CreatedAt = time.Unix(createdAt, 0)
		m.FileName = fileName.String
		m.FilePath = filePath.String
		m.FileSize = fileSize.Int64
		m.ReplyTo = replyTo.String
		m.RawJSON = rawJSON.String
		m.ExtraJSON = extraJSON.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanOneFile(row *sql.Row) (*File, error) {
	var f File
	var createdAt int64
	var downloaded int
	var mime, md5sum sql.NullString
	err := row.Scan(&f.ID, &f.MsgID, &f.Name, &f.Path, &f.Size, &mime, &md5sum, &downloaded, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	f.MIME = mime.String
	f.MD5 = md5sum.String
	f.Downloaded = downloaded != 0
	f.CreatedAt = time.Unix(createdAt, 0)
	return &f, nil
}

func scanFileRow(rows *sql.Rows) (*File, error) {
	var f File
	var createdAt int64
	var downloaded int
	var mime, md5sum sql.NullString
	if err := rows.Scan(&f.ID, &f.MsgID, &f.Name, &f.Path, &f.Size, &mime, &md5sum, &downloaded, &createdAt); err != nil {
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	f.MIME = mime.String
	f.MD5 = md5sum.String
	f.Downloaded = downloaded != 0
	f.CreatedAt = time.Unix(createdAt, 0)
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

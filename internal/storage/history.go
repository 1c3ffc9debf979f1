// internal/storage/history.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Lianues/manosaba-ai/internal/models"
)

// HistoryStore 大纲历史：只追加，按时间倒序读取，只能整体清空
type HistoryStore interface {
	Append(ctx context.Context, entry models.OutlineHistoryEntry) error
	List(ctx context.Context) ([]models.OutlineHistoryEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// MemoryHistory 进程内历史
type MemoryHistory struct {
	mu      sync.RWMutex
	entries []models.OutlineHistoryEntry
}

// NewMemoryHistory 创建内存历史
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, entry models.OutlineHistoryEntry) error {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	return nil
}

// List 最新的在前
func (h *MemoryHistory) List(_ context.Context) ([]models.OutlineHistoryEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.OutlineHistoryEntry, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		out = append(out, h.entries[i])
	}
	return out, nil
}

func (h *MemoryHistory) Clear(_ context.Context) error {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
	return nil
}

func (h *MemoryHistory) Close() error { return nil }

// SQLHistory SQLite 持久化历史
type SQLHistory struct {
	conn *sqlx.DB
}

type historyRow struct {
	Seq             int64  `db:"seq"`
	ID              string `db:"id"`
	SessionID       string `db:"session_id"`
	ProtagonistName string `db:"protagonist_name"`
	CreatedAt       int64  `db:"created_at"`
	OutlineXML      string `db:"outline_xml"`
	CharactersXML   string `db:"characters_xml"`
	Title           string `db:"title"`
	OutlineJSON     string `db:"outline_json"`
}

// OpenSQLHistory 打开或创建 SQLite 历史库
func OpenSQLHistory(path string) (*SQLHistory, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite 只允许单写者
	conn.SetMaxOpenConns(1)

	h := &SQLHistory{conn: conn}
	if err := h.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return h, nil
}

func (h *SQLHistory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outline_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		protagonist_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		outline_xml TEXT NOT NULL,
		characters_xml TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		outline_json TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outline_history_session ON outline_history(session_id);
	`
	_, err := h.conn.Exec(schema)
	return err
}

func (h *SQLHistory) Append(ctx context.Context, entry models.OutlineHistoryEntry) error {
	outline, err := json.Marshal(models.StoryOutline{Full: entry.Full, Minimal: entry.Minimal})
	if err != nil {
		return fmt.Errorf("序列化大纲失败: %w", err)
	}
	row := historyRow{
		ID:              entry.ID,
		SessionID:       entry.SessionID,
		ProtagonistName: entry.ProtagonistName,
		CreatedAt:       entry.CreatedAt.UnixMilli(),
		OutlineXML:      entry.OutlineXML,
		CharactersXML:   entry.CharactersXML,
		Title:           entry.Title,
		OutlineJSON:     string(outline),
	}
	_, err = h.conn.NamedExecContext(ctx, `
		INSERT INTO outline_history (id, session_id, protagonist_name, created_at, outline_xml, characters_xml, title, outline_json)
		VALUES (:id, :session_id, :protagonist_name, :created_at, :outline_xml, :characters_xml, :title, :outline_json)`, row)
	if err != nil {
		return fmt.Errorf("写入历史失败: %w", err)
	}
	return nil
}

// List 最新的在前
func (h *SQLHistory) List(ctx context.Context) ([]models.OutlineHistoryEntry, error) {
	var rows []historyRow
	if err := h.conn.SelectContext(ctx, &rows, `SELECT * FROM outline_history ORDER BY seq DESC`); err != nil {
		return nil, fmt.Errorf("读取历史失败: %w", err)
	}

	out := make([]models.OutlineHistoryEntry, 0, len(rows))
	for _, r := range rows {
		entry := models.OutlineHistoryEntry{
			ID:              r.ID,
			SessionID:       r.SessionID,
			ProtagonistName: r.ProtagonistName,
			CreatedAt:       time.UnixMilli(r.CreatedAt),
			OutlineXML:      r.OutlineXML,
			CharactersXML:   r.CharactersXML,
			Title:           r.Title,
		}
		var outline models.StoryOutline
		if r.OutlineJSON != "" && json.Unmarshal([]byte(r.OutlineJSON), &outline) == nil {
			entry.Full = outline.Full
			entry.Minimal = outline.Minimal
		}
		out = append(out, entry)
	}
	return out, nil
}

func (h *SQLHistory) Clear(ctx context.Context) error {
	if _, err := h.conn.ExecContext(ctx, `DELETE FROM outline_history`); err != nil {
		return fmt.Errorf("清空历史失败: %w", err)
	}
	return nil
}

func (h *SQLHistory) Close() error {
	return h.conn.Close()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/z-wentao/livecaption/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS caption_sessions (
    session_id   TEXT PRIMARY KEY,
    stream_url   TEXT NOT NULL,
    language     TEXT NOT NULL DEFAULT '',
    translation  TEXT NOT NULL DEFAULT '',
    chunk_length INTEGER NOT NULL,
    status       TEXT NOT NULL,
    last_index   INTEGER NOT NULL DEFAULT -1,
    published    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    error        TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    stopped_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS published_chunks (
    session_id   TEXT NOT NULL,
    chunk_index  INTEGER NOT NULL,
    path         TEXT NOT NULL,
    chunk_length INTEGER NOT NULL,
    language     TEXT NOT NULL DEFAULT '',
    segments     JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, chunk_index)
);
`

// PostgresStore PostgreSQL 存档（持久化）
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建 PostgreSQL 存档并确保表存在
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	s := &PostgresStore{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 建表（幂等）
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	return nil
}

// SaveSession UPSERT 会话快照
func (s *PostgresStore) SaveSession(ctx context.Context, info *models.SessionInfo) error {
	query := `
    INSERT INTO caption_sessions (
    session_id, stream_url, language, translation, chunk_length,
    status, last_index, published, failed, error, created_at, stopped_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (session_id)
    DO UPDATE SET
    status = EXCLUDED.status,
    last_index = EXCLUDED.last_index,
    published = EXCLUDED.published,
    failed = EXCLUDED.failed,
    error = EXCLUDED.error,
    stopped_at = EXCLUDED.stopped_at
    `

	_, err := s.db.ExecContext(ctx, query,
		info.SessionID,
		info.StreamURL,
		info.Language,
		info.Translation,
		info.ChunkLength,
		string(info.Status),
		info.LastIndex,
		info.Published,
		info.Failed,
		nullString(info.Error),
		info.CreatedAt,
		sql.NullTime{Time: info.StoppedAt, Valid: !info.StoppedAt.IsZero()},
	)
	if err != nil {
		return fmt.Errorf("保存会话到数据库失败: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, stream_url, language, translation, chunk_length,
    status, last_index, published, failed, error, created_at, stopped_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionInfo, error) {
	var info models.SessionInfo
	var status string
	var errMsg sql.NullString
	var stoppedAt sql.NullTime

	err := row.Scan(
		&info.SessionID,
		&info.StreamURL,
		&info.Language,
		&info.Translation,
		&info.ChunkLength,
		&status,
		&info.LastIndex,
		&info.Published,
		&info.Failed,
		&errMsg,
		&info.CreatedAt,
		&stoppedAt,
	)
	if err != nil {
		return nil, err
	}

	info.Status = models.SessionStatus(status)
	if errMsg.Valid {
		info.Error = errMsg.String
	}
	if stoppedAt.Valid {
		info.StoppedAt = stoppedAt.Time
	}
	return &info, nil
}

// GetSession 获取会话快照
func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.SessionInfo, error) {
	query := `SELECT ` + sessionColumns + ` FROM caption_sessions WHERE session_id = $1`

	info, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("会话 %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return info, nil
}

// ListSessions 按创建时间倒序列出最近 100 个会话
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.SessionInfo, error) {
	query := `SELECT ` + sessionColumns + ` FROM caption_sessions ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]*models.SessionInfo, 0)
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("读取会话失败: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SaveChunk UPSERT 已发布片段
func (s *PostgresStore) SaveChunk(ctx context.Context, chunk *models.PublishedChunk) error {
	segmentsJSON, err := json.Marshal(chunk.Segments)
	if err != nil {
		return fmt.Errorf("序列化字幕失败: %w", err)
	}

	query := `
    INSERT INTO published_chunks (
    session_id, chunk_index, path, chunk_length, language, segments, created_at
    ) VALUES ($1, $2, $3, $4, $5, $6, $7)
    ON CONFLICT (session_id, chunk_index)
    DO UPDATE SET
    path = EXCLUDED.path,
    segments = EXCLUDED.segments
    `

	_, err = s.db.ExecContext(ctx, query,
		chunk.SessionID,
		chunk.Index,
		chunk.Path,
		chunk.ChunkLength,
		chunk.Language,
		segmentsJSON,
		chunk.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("保存片段到数据库失败: %w", err)
	}
	return nil
}

const chunkColumns = `session_id, chunk_index, path, chunk_length, language, segments, created_at`

func scanChunk(row rowScanner) (*models.PublishedChunk, error) {
	var chunk models.PublishedChunk
	var segmentsJSON []byte

	err := row.Scan(
		&chunk.SessionID,
		&chunk.Index,
		&chunk.Path,
		&chunk.ChunkLength,
		&chunk.Language,
		&segmentsJSON,
		&chunk.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(segmentsJSON, &chunk.Segments); err != nil {
		return nil, fmt.Errorf("反序列化字幕失败: %w", err)
	}
	return &chunk, nil
}

// GetChunk 获取片段
func (s *PostgresStore) GetChunk(ctx context.Context, sessionID string, index int) (*models.PublishedChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM published_chunks WHERE session_id = $1 AND chunk_index = $2`

	chunk, err := scanChunk(s.db.QueryRowContext(ctx, query, sessionID, index))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("片段 %s/%d: %w", sessionID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	return chunk, nil
}

// ListChunks 按序号升序列出片段
func (s *PostgresStore) ListChunks(ctx context.Context, sessionID string) ([]*models.PublishedChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM published_chunks WHERE session_id = $1 ORDER BY chunk_index`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]*models.PublishedChunk, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("读取片段失败: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

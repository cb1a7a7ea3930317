package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
	"github.com/RecoveryAshes/CommentHarvest/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS comments (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id             TEXT NOT NULL,
	external_id         TEXT NOT NULL,
	author_handle       TEXT NOT NULL DEFAULT '',
	author_display_name TEXT NOT NULL DEFAULT '',
	text                TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL DEFAULT 0,
	parent_comment_id   TEXT,
	reply_to_reply_id   TEXT,
	reply_count         INTEGER,
	author_avatar_url   TEXT,
	stored_at           INTEGER NOT NULL,
	UNIQUE(item_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_comments_stored_at ON comments(stored_at);

CREATE TABLE IF NOT EXISTS items (
	item_id       TEXT PRIMARY KEY,
	thumbnail_url TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	author        TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);
`

// SQLiteConfig SQLite存储配置
type SQLiteConfig struct {
	Path         string // 数据库文件路径
	MonthlyLimit int    // 每月可写入评论上限,0表示不限
	CacheSize    int    // 最近写入键缓存大小
}

// SQLiteStore 基于SQLite的本地存储
type SQLiteStore struct {
	db           *sql.DB
	recent       *lru.Cache[string, struct{}]
	monthlyLimit int
	now          func() time.Time
}

// NewSQLiteStore 打开(或创建)数据库
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}

	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据表失败: %w", err)
	}

	cache, err := lru.New[string, struct{}](cfg.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建缓存失败: %w", err)
	}

	utils.Infof("💾 数据库已打开: %s (月度配额: %d)", cfg.Path, cfg.MonthlyLimit)
	return &SQLiteStore{
		db:           db,
		recent:       cache,
		monthlyLimit: cfg.MonthlyLimit,
		now:          time.Now,
	}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单连接,避免 :memory: 库在连接间不共享
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置pragma失败: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	return db, nil
}

// AddComments 写入一批评论
func (s *SQLiteStore) AddComments(ctx context.Context, batch []models.RawComment) (*models.StoreResult, error) {
	result := &models.StoreResult{MonthlyLimit: s.monthlyLimit}

	current, err := s.monthCount(ctx)
	if err != nil {
		return result, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO comments
		(item_id, external_id, author_handle, author_display_name, text, created_at,
		 parent_comment_id, reply_to_reply_id, reply_count, author_avatar_url, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return result, fmt.Errorf("准备语句失败: %w", err)
	}
	defer stmt.Close()

	storedAt := s.now().Unix()
	inserted := make([]string, 0, len(batch))

	for i := range batch {
		c := &batch[i]
		if err := c.Validate(); err != nil {
			result.Ignored++
			continue
		}
		key := c.DedupKey()
		if s.recent.Contains(key) {
			result.Duplicates++
			continue
		}
		if s.monthlyLimit > 0 && current >= s.monthlyLimit {
			result.LimitReached = true
			break
		}

		res, err := stmt.ExecContext(ctx,
			c.ParentItemID, c.ExternalID, c.AuthorHandle, c.AuthorDisplayName, c.Text, c.CreatedAt,
			nullString(c.ParentCommentID), nullString(c.ReplyToReplyID), nullInt(c.ReplyCount),
			nullString(c.AuthorAvatarURL), storedAt,
		)
		if err != nil {
			return &models.StoreResult{MonthlyLimit: s.monthlyLimit, CurrentCount: current}, fmt.Errorf("写入评论 %s 失败: %w", c.ExternalID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			result.Duplicates++
		} else {
			result.Stored++
			current++
		}
		inserted = append(inserted, key)
	}

	if err := tx.Commit(); err != nil {
		return &models.StoreResult{MonthlyLimit: s.monthlyLimit, CurrentCount: current - result.Stored}, fmt.Errorf("提交事务失败: %w", err)
	}
	for _, key := range inserted {
		s.recent.Add(key, struct{}{})
	}

	result.CurrentCount = current
	if result.LimitReached {
		utils.Warnf("⚠️  已达到月度配额 %d, 本批写入 %d 条", s.monthlyLimit, result.Stored)
		return result, &models.LimitReachedError{Result: *result}
	}
	return result, nil
}

// monthCount 当月已写入的评论数
func (s *SQLiteStore) monthCount(ctx context.Context) (int, error) {
	if s.monthlyLimit <= 0 {
		return 0, nil
	}
	now := s.now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).Unix()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE stored_at >= ?`, start).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计月度写入数失败: %w", err)
	}
	return n, nil
}

// SaveItems 写入(或更新)视频元数据
func (s *SQLiteStore) SaveItems(ctx context.Context, items []models.ItemMeta) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	now := s.now().Unix()
	for _, item := range items {
		if item.ItemID == "" {
			continue
		}
		// 已有的非空字段不被空值覆盖
		_, err := tx.ExecContext(ctx, `INSERT INTO items (item_id, thumbnail_url, url, title, author, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				thumbnail_url = CASE WHEN excluded.thumbnail_url != '' THEN excluded.thumbnail_url ELSE items.thumbnail_url END,
				url           = CASE WHEN excluded.url != '' THEN excluded.url ELSE items.url END,
				title         = CASE WHEN excluded.title != '' THEN excluded.title ELSE items.title END,
				author        = CASE WHEN excluded.author != '' THEN excluded.author ELSE items.author END,
				updated_at    = excluded.updated_at`,
			item.ItemID, item.ThumbnailURL, item.URL, item.Title, item.Author, now)
		if err != nil {
			return fmt.Errorf("写入视频 %s 失败: %w", item.ItemID, err)
		}
	}
	return tx.Commit()
}

// CountComments 统计某个视频已存储的评论数
func (s *SQLiteStore) CountComments(ctx context.Context, itemID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE item_id = ?`, itemID).Scan(&n)
	return n, err
}

// ListComments 按写入顺序列出某个视频的评论
func (s *SQLiteStore) ListComments(ctx context.Context, itemID string) ([]models.RawComment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT external_id, author_handle, author_display_name, text, created_at,
		parent_comment_id, reply_to_reply_id, reply_count, author_avatar_url
		FROM comments WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.RawComment, 0)
	for rows.Next() {
		var (
			c                          models.RawComment
			parent, replyTo, avatarURL sql.NullString
			replyCount                 sql.NullInt64
		)
		if err := rows.Scan(&c.ExternalID, &c.AuthorHandle, &c.AuthorDisplayName, &c.Text, &c.CreatedAt,
			&parent, &replyTo, &replyCount, &avatarURL); err != nil {
			return nil, err
		}
		c.ParentItemID = itemID
		if parent.Valid {
			c.ParentCommentID = &parent.String
		}
		if replyTo.Valid {
			c.ReplyToReplyID = &replyTo.String
		}
		if replyCount.Valid {
			c.ReplyCount = models.IntPtr(int(replyCount.Int64))
		}
		if avatarURL.Valid {
			c.AuthorAvatarURL = &avatarURL.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetItem 读取视频元数据
func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*models.ItemMeta, error) {
	var m models.ItemMeta
	err := s.db.QueryRowContext(ctx, `SELECT item_id, thumbnail_url, url, title, author FROM items WHERE item_id = ?`, itemID).
		Scan(&m.ItemID, &m.ThumbnailURL, &m.URL, &m.Title, &m.Author)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(p *string) sql.NullString {
	if p == nil || strings.TrimSpace(*p) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

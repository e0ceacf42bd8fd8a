package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postplanner/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the claim primitive relies on it too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreatePost(ctx context.Context, p Post) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posts(content, scheduled_at, status, origin_chat, message_id, requester, has_images, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		p.Content, p.ScheduledAt.UnixMilli(), string(p.Status),
		p.OriginChat, p.MessageID, p.Requester, boolInt(p.HasImages), p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, selectPost+` WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *sqliteStore) SetMessageRef(ctx context.Context, id int64, chatID int64, messageID int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET origin_chat = ?, message_id = ? WHERE id = ?`,
		chatID, messageID, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListByStatus(ctx context.Context, statuses ...Status) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	q := selectPost + ` WHERE status IN (` + placeholders(len(statuses)) + `) ORDER BY scheduled_at`
	rows, err := s.db.QueryContext(ctx, q, statusArgs(statuses)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) ListDue(ctx context.Context, before time.Time, statuses ...Status) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if len(statuses) == 0 {
		return nil, nil
	}
	q := selectPost + ` WHERE status IN (` + placeholders(len(statuses)) + `) AND scheduled_at <= ? ORDER BY scheduled_at`
	args := append(statusArgs(statuses), before.UnixMilli())
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *sqliteStore) CompareAndSetStatus(ctx context.Context, id int64, from, to Status, resultMsg string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	now := time.Now().UnixMilli()

	var res sql.Result
	var err error
	switch {
	case to == StatusResolving:
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from),
		)
	case to.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = ?, result_message = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(to), nullStr(resultMsg), now, id, string(from),
		)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`,
			string(to), id, string(from),
		)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, claimed_at = NULL
		 WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		string(StatusPending), string(StatusResolving), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) RecordVote(ctx context.Context, postID int64, voterID string, v Vote) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	// The upsert moves a voter between sides atomically; UNIQUE(post_id, voter_id)
	// guarantees a voter is never on both. The EXISTS guard runs in the same
	// statement as the write, so a vote racing a status claim is refused
	// instead of silently merged into a tally nobody will read.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO post_votes(post_id, voter_id, vote, voted_at)
		 SELECT ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM posts WHERE id = ? AND status = ?)
		 ON CONFLICT(post_id, voter_id) DO UPDATE SET vote = excluded.vote, voted_at = excluded.voted_at`,
		postID, voterID, string(v), time.Now().UnixMilli(), postID, string(StatusPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVoteClosed
	}
	return nil
}

func (s *sqliteStore) ClearVote(ctx context.Context, postID int64, voterID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM post_votes WHERE post_id = ? AND voter_id = ?`, postID, voterID)
	return err
}

func (s *sqliteStore) CountVotes(ctx context.Context, postID int64) (VoteCounts, error) {
	if s == nil || s.db == nil {
		return VoteCounts{}, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT vote, COUNT(*) FROM post_votes WHERE post_id = ? GROUP BY vote`, postID)
	if err != nil {
		return VoteCounts{}, err
	}
	defer rows.Close()

	var c VoteCounts
	for rows.Next() {
		var vote string
		var n int
		if err := rows.Scan(&vote, &n); err != nil {
			return VoteCounts{}, err
		}
		switch Vote(vote) {
		case VoteApprove:
			c.Approvals = n
		case VoteReject:
			c.Rejections = n
		}
	}
	return c, rows.Err()
}

func (s *sqliteStore) AddPostImage(ctx context.Context, img PostImage) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO post_images(post_id, path, original_name, size, created_at) VALUES(?,?,?,?,?)`,
		img.PostID, img.Path, img.OriginalName, img.Size, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) PostImages(ctx context.Context, postID int64) ([]PostImage, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, post_id, path, original_name, size FROM post_images WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostImage
	for rows.Next() {
		var img PostImage
		if err := rows.Scan(&img.ID, &img.PostID, &img.Path, &img.OriginalName, &img.Size); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ---- row mapping ----

const selectPost = `SELECT id, content, scheduled_at, status, origin_chat, message_id, requester,
	result_message, has_images, created_at, claimed_at, finished_at FROM posts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (Post, error) {
	var p Post
	var scheduledAt, createdAt int64
	var status string
	var resultMsg sql.NullString
	var hasImages int
	var claimedAt, finishedAt sql.NullInt64
	err := r.Scan(&p.ID, &p.Content, &scheduledAt, &status, &p.OriginChat, &p.MessageID,
		&p.Requester, &resultMsg, &hasImages, &createdAt, &claimedAt, &finishedAt)
	if err != nil {
		return Post{}, err
	}
	p.ScheduledAt = time.UnixMilli(scheduledAt)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.Status = Status(status)
	p.ResultMessage = resultMsg.String
	p.HasImages = hasImages != 0
	if claimedAt.Valid {
		p.ClaimedAt = time.UnixMilli(claimedAt.Int64)
	}
	if finishedAt.Valid {
		p.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]Post, error) {
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

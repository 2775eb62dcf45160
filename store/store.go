// Package store implements Persistence (spec §4.8): idempotent
// upserts and moves between a board's `live` and `_deleted` logical
// tables, in a schema shaped to match the pre-existing Asagi/FoolFuuka
// archival convention (no `exif` column, no `_daily`/`_users` tables).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"ena/board"
	"ena/errkind"
)

var boardTagRe = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Store is Ena's Persistence implementation. One Store serves every
// board; table names are derived per-call from the board tag.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	tz     *time.Location // set when asagi_compat.adjust_timestamps is on
}

// Open connects to the archive database. dsn follows the
// github.com/go-sql-driver/mysql DSN format.
func Open(ctx context.Context, dsn string, adjustTimestamps bool, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, &errkind.ConfigInvariant{Field: "database_media.database_url", Err: err}
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, logger: logger}
	if adjustTimestamps {
		loc, lerr := time.LoadLocation("America/New_York")
		if lerr != nil {
			return nil, &errkind.ConfigInvariant{Field: "asagi_compat.adjust_timestamps", Err: lerr}
		}
		s.tz = loc
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) adjust(ts int64) int64 {
	if s.tz == nil {
		return ts
	}
	_, offset := time.Unix(ts, 0).In(s.tz).Zone()
	return ts + int64(offset)
}

func tableName(tag string, suffix string) (string, error) {
	if !boardTagRe.MatchString(tag) {
		return "", fmt.Errorf("invalid board tag %q", tag)
	}
	return tag + suffix, nil
}

// GetThreadPosts loads the currently-stored live post rows for a
// thread, keyed by post number, for ThreadFetcher's diff.
func (s *Store) GetThreadPosts(ctx context.Context, tag string, threadNo uint64) (map[uint64]board.Post, error) {
	table, err := tableName(tag, "")
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(
		`SELECT num, thread_num, op, sticky, closed, subject, comment, comment_fp,
		        spoiler, media_hash, media_filename, poster_country, capcode,
		        name, trip, poster_id, timestamp, timestamp_expired
		 FROM %s WHERE thread_num = ?`, table), threadNo)
	if err != nil {
		return nil, &errkind.Db{Op: "get_thread_posts", Err: err}
	}
	defer rows.Close()

	out := make(map[uint64]board.Post)
	for rows.Next() {
		var p board.Post
		var mediaHash, mediaFilename sql.NullString
		var expired sql.NullInt64
		if err := rows.Scan(&p.No, &p.ThreadNo, &p.IsOP, &p.Sticky, &p.Closed, &p.Sub,
			&p.Comment, &p.CommentFP, &p.Spoiler, &mediaHash, &mediaFilename,
			&p.Country, &p.Capcode, &p.Name, &p.Trip, &p.PosterID, &p.Timestamp, &expired); err != nil {
			return nil, &errkind.Db{Op: "get_thread_posts", Err: err}
		}
		p.MediaHash = mediaHash.String
		p.MediaFilename = mediaFilename.String
		p.TimestampExpired = expired.Int64
		out[p.No] = p
	}
	return out, rows.Err()
}

// GetLiveNos returns every OP number currently stored live for tag.
func (s *Store) GetLiveNos(ctx context.Context, tag string) ([]uint64, error) {
	table, err := tableName(tag, "_threads")
	if err != nil {
		return nil, err
	}
	var nos []uint64
	err = s.db.SelectContext(ctx, &nos, fmt.Sprintf(
		`SELECT thread_num FROM %s WHERE op_post_deleted = 0`, table))
	if err != nil {
		return nil, &errkind.Db{Op: "get_live_nos", Err: err}
	}
	return nos, nil
}

// GetUnarchivedNos filters candidates down to the ones whose stored
// thread row still says archived=false.
func (s *Store) GetUnarchivedNos(ctx context.Context, tag string, candidates []uint64) ([]uint64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	table, err := tableName(tag, "_threads")
	if err != nil {
		return nil, err
	}
	query, args, err := sqlx.In(fmt.Sprintf(
		`SELECT thread_num FROM %s WHERE archived = 0 AND thread_num IN (?)`, table), candidates)
	if err != nil {
		return nil, &errkind.Db{Op: "get_unarchived_nos", Err: err}
	}
	query = s.db.Rebind(query)
	var nos []uint64
	if err := s.db.SelectContext(ctx, &nos, query, args...); err != nil {
		return nil, &errkind.Db{Op: "get_unarchived_nos", Err: err}
	}
	return nos, nil
}

// ThreadUpdate bundles every mutation ThreadFetcher produces for one
// thread's poll cycle. It is committed as a single transaction (spec
// §4.8's "all-or-nothing" discipline).
type ThreadUpdate struct {
	Board            string
	ThreadNo         uint64
	Insert           []board.Post
	Update           []board.Post
	DeleteNos        []uint64
	TimestampExpired int64
	SetArchived      bool
	SetOPDeleted     bool
	MediaUpserts     []board.Media
	ThreadMeta       board.Thread
	TouchThreadOnly  bool // no-op modified event: only bump last_modified
}

// ApplyThreadUpdate commits u atomically. media_hash upserts happen in
// the same transaction as the post rows that reference them, to
// preserve FK-like joinability in the Asagi schema; file writes happen
// separately and are not part of this transaction (spec §4.8).
//
// Invariant 6 is enforced here, not just documented: if the thread's
// stored row already has op_post_deleted set, Insert is silently
// dropped to zero rows before it ever reaches SQL.
func (s *Store) ApplyThreadUpdate(ctx context.Context, u ThreadUpdate) error {
	postsTable, err := tableName(u.Board, "")
	if err != nil {
		return err
	}
	deletedTable, err := tableName(u.Board, "_deleted")
	if err != nil {
		return err
	}
	threadsTable, err := tableName(u.Board, "_threads")
	if err != nil {
		return err
	}
	imagesTable, err := tableName(u.Board, "_images")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &errkind.Db{Op: "apply_thread_update", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
				s.logger.Warn("rollback failed", "board", u.Board, "thread", u.ThreadNo, "error", rerr)
			}
		}
	}()

	opDeleted, err := s.threadOPDeleted(ctx, tx, threadsTable, u.ThreadNo)
	if err != nil {
		return &errkind.Db{Op: "apply_thread_update", Err: err}
	}

	for _, m := range u.MediaUpserts {
		if err := upsertMedia(ctx, tx, imagesTable, m); err != nil {
			return &errkind.Db{Op: "apply_thread_update", Err: err}
		}
	}

	if !opDeleted {
		for _, p := range u.Insert {
			if err := insertPost(ctx, tx, postsTable, u.Board, p, s.adjust); err != nil {
				return &errkind.Db{Op: "apply_thread_update", Err: err}
			}
		}
	} else if len(u.Insert) > 0 {
		s.logger.Info("dropping inserts into op-deleted thread", "board", u.Board, "thread", u.ThreadNo, "count", len(u.Insert))
	}

	for _, p := range u.Update {
		if err := updatePost(ctx, tx, postsTable, p); err != nil {
			return &errkind.Db{Op: "apply_thread_update", Err: err}
		}
	}

	tsExpired := s.adjust(u.TimestampExpired)
	for _, no := range u.DeleteNos {
		if err := moveToDeleted(ctx, tx, postsTable, deletedTable, no, tsExpired); err != nil {
			return &errkind.Db{Op: "apply_thread_update", Err: err}
		}
	}

	if err := upsertThreadMeta(ctx, tx, threadsTable, u); err != nil {
		return &errkind.Db{Op: "apply_thread_update", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &errkind.Db{Op: "apply_thread_update", Err: err}
	}
	committed = true
	return nil
}

func (s *Store) threadOPDeleted(ctx context.Context, tx *sqlx.Tx, threadsTable string, no uint64) (bool, error) {
	var deleted sql.NullBool
	err := tx.QueryRowxContext(ctx, fmt.Sprintf(
		`SELECT op_post_deleted FROM %s WHERE thread_num = ?`, threadsTable), no).Scan(&deleted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deleted.Bool, nil
}

func insertPost(ctx context.Context, tx *sqlx.Tx, table, boardTag string, p board.Post, adjust func(int64) int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (num, thread_num, op, sticky, closed, subject, comment,
		                  comment_fp, spoiler, media_hash, media_filename,
		                  poster_country, capcode, name, trip, poster_id,
		                  timestamp, timestamp_expired)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		 ON DUPLICATE KEY UPDATE num = num`, table),
		p.No, p.ThreadNo, p.IsOP, p.Sticky, p.Closed, p.Sub, p.Comment, p.CommentFP,
		p.Spoiler, nullableString(p.MediaHash), nullableString(p.MediaFilename),
		p.Country, p.Capcode, p.Name, p.Trip, p.PosterID, adjust(p.Timestamp))
	return err
}

// updatePost only ever touches OP fields, the comment, its fingerprint,
// and the spoiler flag — media_filename is deliberately absent from the
// SET list, since spec invariant 4 requires it be set exactly once.
func updatePost(ctx context.Context, tx *sqlx.Tx, table string, p board.Post) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET sticky = ?, closed = ?, subject = ?, comment = ?,
		               comment_fp = ?, spoiler = ?
		 WHERE num = ?`, table),
		p.Sticky, p.Closed, p.Sub, p.Comment, p.CommentFP, p.Spoiler, p.No)
	return err
}

// moveToDeleted implements the logical move: copy the row into
// `_deleted` with timestamp_expired set, then remove it from the live
// table. Both statements run inside the caller's transaction so the
// move is atomic. timestamp_expired is monotonic: an already-set value
// is left untouched (spec invariant 2).
func moveToDeleted(ctx context.Context, tx *sqlx.Tx, liveTable, deletedTable string, no uint64, tsExpired int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s SELECT * FROM %s WHERE num = ?`, deletedTable, liveTable), no)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET timestamp_expired = ? WHERE num = ? AND timestamp_expired IS NULL`, deletedTable), tsExpired, no)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE num = ?`, liveTable), no)
	return err
}

func upsertMedia(ctx context.Context, tx *sqlx.Tx, table string, m board.Media) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (media_hash, media, preview_op, width, height,
		                  tn_width, tn_height, size, banned)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE width = VALUES(width), height = VALUES(height),
		                          tn_width = VALUES(tn_width), tn_height = VALUES(tn_height),
		                          size = VALUES(size), banned = VALUES(banned)`, table),
		m.Hash, m.FullFilename, m.PreviewFilename, m.Width, m.Height, m.ThumbWidth, m.ThumbHeight, m.Size, m.Banned)
	return err
}

// upsertThreadMeta enforces invariant 3 (archived never reverts) by
// only ever setting archived to true via SET archived = archived OR ?,
// never assigning false.
func upsertThreadMeta(ctx context.Context, tx *sqlx.Tx, table string, u ThreadUpdate) error {
	t := u.ThreadMeta
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (thread_num, sticky, closed, archived, op_post_deleted, last_modified_api)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		     sticky = VALUES(sticky),
		     closed = VALUES(closed),
		     archived = archived OR VALUES(archived),
		     op_post_deleted = op_post_deleted OR VALUES(op_post_deleted),
		     last_modified_api = VALUES(last_modified_api)`, table),
		t.No, t.Sticky, t.Closed, u.SetArchived, u.SetOPDeleted, t.LastModifiedAPI)
	return err
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordMediaFile records that a (board, media_hash, kind) file has
// been written to disk under filename. Called outside the
// thread-update transaction, since files are content-addressed and the
// write itself is idempotent under retry.
func (s *Store) RecordMediaFile(ctx context.Context, tag, hash string, kind board.MediaKind, filename string) error {
	table, err := tableName(tag, "_images")
	if err != nil {
		return err
	}
	col := "media"
	if kind == board.MediaThumb {
		col = "preview_op"
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = ? WHERE media_hash = ?`, table, col), filename, hash)
	if err != nil {
		return &errkind.Db{Op: "record_media_file", Err: err}
	}
	return nil
}

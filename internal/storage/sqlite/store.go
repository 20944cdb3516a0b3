// Package sqlite provides a SQLite-backed watch.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/watch"
)

const pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

var postColumns = []string{
	"upstream_id", "channel_id", "kind", "title", "url", "permalink",
	"created_at", "score", "threshold_crossing_at",
}

// Store persists channels and posts in a SQLite database through a single
// connection, so every statement is serialized.
type Store struct {
	db *sql.DB
}

// Open connects to the database file at path. The schema must already exist.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (primarily for testing).
func NewWithDB(db *sql.DB) *Store {
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Close releases the connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CreateChannel inserts channel; a duplicate name is a conflict.
func (s *Store) CreateChannel(ctx context.Context, channel watch.Channel) error {
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("channels").
		Cols("id", "name", "upvote_threshold", "time_cutoff_seconds").
		Values(channel.ID, channel.Name, channel.UpvoteThreshold, channel.CutoffSeconds())
	query, args := ib.Build()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(err, apperrors.KindConflict, fmt.Sprintf("channel %q already registered", channel.Name))
		}
		return apperrors.Wrap(err, apperrors.KindStorage, "insert channel")
	}
	return nil
}

// GetChannel looks a channel up by name.
func (s *Store) GetChannel(ctx context.Context, name string) (watch.Channel, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "name", "upvote_threshold", "time_cutoff_seconds").
		From("channels").
		Where(sb.Equal("name", name)).
		Limit(1)
	query, args := sb.Build()

	channel, err := scanChannel(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return watch.Channel{}, apperrors.Newf(apperrors.KindNotFound, "channel %q not found", name)
	}
	if err != nil {
		return watch.Channel{}, apperrors.Wrap(err, apperrors.KindStorage, "get channel")
	}
	return channel, nil
}

// ListChannels returns every registered channel ordered by name.
func (s *Store) ListChannels(ctx context.Context) ([]watch.Channel, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "name", "upvote_threshold", "time_cutoff_seconds").
		From("channels").
		OrderBy("name")
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "list channels")
	}
	defer rows.Close()

	var channels []watch.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "scan channel")
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "iterate channels")
	}
	return channels, nil
}

// LookupPost returns the stored record for (channelID, upstreamID), if any.
func (s *Store) LookupPost(ctx context.Context, channelID, upstreamID string) (watch.PostRecord, bool, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(postColumns...).
		From("posts").
		Where(sb.Equal("channel_id", channelID), sb.Equal("upstream_id", upstreamID)).
		Limit(1)
	query, args := sb.Build()

	rec, err := scanPost(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return watch.PostRecord{}, false, nil
	}
	if err != nil {
		return watch.PostRecord{}, false, apperrors.Wrap(err, apperrors.KindStorage, "lookup post")
	}
	return rec, true, nil
}

// InsertPost stores record, leaving an existing row for the same key untouched.
func (s *Store) InsertPost(ctx context.Context, record watch.PostRecord) error {
	var crossing any
	if record.ThresholdCrossingAt != nil {
		crossing = record.ThresholdCrossingAt.Unix()
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("posts").
		Cols(postColumns...).
		Values(
			record.UpstreamID, record.ChannelID, record.Kind, record.Title, record.URL, record.Permalink,
			record.CreatedAt.Unix(), record.LastScore, crossing,
		)
	query, args := ib.Build()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "insert post")
	}
	return nil
}

// RecordCrossing stores the crossing score and time for an existing post.
func (s *Store) RecordCrossing(ctx context.Context, channelID, upstreamID string, score int64, at time.Time) error {
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("posts").
		Set(ub.Assign("score", score), ub.Assign("threshold_crossing_at", at.Unix())).
		Where(ub.Equal("channel_id", channelID), ub.Equal("upstream_id", upstreamID))
	query, args := ub.Build()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "record crossing")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorage, "record crossing rows affected")
	}
	if affected == 0 {
		return apperrors.Newf(apperrors.KindNotFound, "post %s not recorded for channel %s", upstreamID, channelID)
	}
	return nil
}

// ListCrossedPosts returns up to limit crossed posts, most recent crossing first.
func (s *Store) ListCrossedPosts(ctx context.Context, channelID string, limit int) ([]watch.PostRecord, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(postColumns...).
		From("posts").
		Where(sb.Equal("channel_id", channelID), sb.IsNotNull("threshold_crossing_at")).
		OrderBy("threshold_crossing_at DESC", "upstream_id DESC")
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "list crossed posts")
	}
	defer rows.Close()

	var posts []watch.PostRecord
	for rows.Next() {
		rec, err := scanPost(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindStorage, "scan post")
		}
		posts = append(posts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorage, "iterate posts")
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (watch.Channel, error) {
	var (
		channel       watch.Channel
		cutoffSeconds int64
	)
	if err := row.Scan(&channel.ID, &channel.Name, &channel.UpvoteThreshold, &cutoffSeconds); err != nil {
		return watch.Channel{}, err
	}
	channel.TimeCutoff = time.Duration(cutoffSeconds) * time.Second
	return channel, nil
}

func scanPost(row rowScanner) (watch.PostRecord, error) {
	var (
		rec      watch.PostRecord
		created  int64
		crossing sql.NullInt64
	)
	err := row.Scan(
		&rec.UpstreamID, &rec.ChannelID, &rec.Kind, &rec.Title, &rec.URL, &rec.Permalink,
		&created, &rec.LastScore, &crossing,
	)
	if err != nil {
		return watch.PostRecord{}, err
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	if crossing.Valid {
		at := time.Unix(crossing.Int64, 0).UTC()
		rec.ThresholdCrossingAt = &at
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

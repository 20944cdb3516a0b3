// Package postgres provides a Postgres-backed watch.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattyhall/rexml/internal/apperrors"
	"github.com/mattyhall/rexml/internal/watch"
)

const (
	insertChannelSQL = `INSERT INTO channels (id, name, upvote_threshold, time_cutoff_seconds) VALUES ($1, $2, $3, $4)`
	getChannelSQL    = `SELECT id, name, upvote_threshold, time_cutoff_seconds FROM channels WHERE name = $1`
	listChannelsSQL  = `SELECT id, name, upvote_threshold, time_cutoff_seconds FROM channels ORDER BY name`

	postColumns   = `upstream_id, channel_id, kind, title, url, permalink, created_at, score, threshold_crossing_at`
	lookupPostSQL = `SELECT ` + postColumns + ` FROM posts WHERE channel_id = $1 AND upstream_id = $2`
	insertPostSQL = `INSERT INTO posts (` + postColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (upstream_id, channel_id) DO NOTHING`
	recordCrossingSQL = `UPDATE posts SET score = $1, threshold_crossing_at = $2 WHERE channel_id = $3 AND upstream_id = $4`
	listCrossedSQL    = `SELECT ` + postColumns + ` FROM posts
WHERE channel_id = $1 AND threshold_crossing_at IS NOT NULL
ORDER BY threshold_crossing_at DESC, upstream_id DESC
LIMIT $2`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses, so pgxmock can stand in.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists channels and posts in Postgres.
type Store struct {
	pool pool
}

// New connects a pool using cfg. MaxConns defaults to 1 so writes stay serialized.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 1
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateChannel inserts channel; a duplicate name is a conflict.
func (s *Store) CreateChannel(ctx context.Context, channel watch.Channel) error {
	_, err := s.pool.Exec(ctx, insertChannelSQL,
		channel.ID, channel.Name, channel.UpvoteThreshold, channel.CutoffSeconds())
	if err != nil {
		return mapError(err, "insert channel "+channel.Name)
	}
	return nil
}

// GetChannel looks a channel up by name.
func (s *Store) GetChannel(ctx context.Context, name string) (watch.Channel, error) {
	channel, err := scanChannel(s.pool.QueryRow(ctx, getChannelSQL, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.Channel{}, apperrors.Newf(apperrors.KindNotFound, "channel %q not found", name)
	}
	if err != nil {
		return watch.Channel{}, mapError(err, "get channel")
	}
	return channel, nil
}

// ListChannels returns every registered channel ordered by name.
func (s *Store) ListChannels(ctx context.Context) ([]watch.Channel, error) {
	rows, err := s.pool.Query(ctx, listChannelsSQL)
	if err != nil {
		return nil, mapError(err, "list channels")
	}
	defer rows.Close()

	var channels []watch.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, mapError(err, "scan channel")
		}
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate channels")
	}
	return channels, nil
}

// LookupPost returns the stored record for (channelID, upstreamID), if any.
func (s *Store) LookupPost(ctx context.Context, channelID, upstreamID string) (watch.PostRecord, bool, error) {
	rec, err := scanPost(s.pool.QueryRow(ctx, lookupPostSQL, channelID, upstreamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.PostRecord{}, false, nil
	}
	if err != nil {
		return watch.PostRecord{}, false, mapError(err, "lookup post")
	}
	return rec, true, nil
}

// InsertPost stores record, leaving an existing row for the same key untouched.
func (s *Store) InsertPost(ctx context.Context, record watch.PostRecord) error {
	_, err := s.pool.Exec(ctx, insertPostSQL,
		record.UpstreamID,
		record.ChannelID,
		record.Kind,
		record.Title,
		record.URL,
		record.Permalink,
		record.CreatedAt,
		record.LastScore,
		record.ThresholdCrossingAt,
	)
	if err != nil {
		return mapError(err, "insert post")
	}
	return nil
}

// RecordCrossing stores the crossing score and time for an existing post.
func (s *Store) RecordCrossing(ctx context.Context, channelID, upstreamID string, score int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, recordCrossingSQL, score, at.UTC(), channelID, upstreamID)
	if err != nil {
		return mapError(err, "record crossing")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Newf(apperrors.KindNotFound, "post %s not recorded for channel %s", upstreamID, channelID)
	}
	return nil
}

// ListCrossedPosts returns up to limit crossed posts, most recent crossing first.
func (s *Store) ListCrossedPosts(ctx context.Context, channelID string, limit int) ([]watch.PostRecord, error) {
	rows, err := s.pool.Query(ctx, listCrossedSQL, channelID, limit)
	if err != nil {
		return nil, mapError(err, "list crossed posts")
	}
	defer rows.Close()

	var posts []watch.PostRecord
	for rows.Next() {
		rec, err := scanPost(rows)
		if err != nil {
			return nil, mapError(err, "scan post")
		}
		posts = append(posts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate posts")
	}
	return posts, nil
}

func scanChannel(row pgx.Row) (watch.Channel, error) {
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

func scanPost(row pgx.Row) (watch.PostRecord, error) {
	var (
		rec      watch.PostRecord
		crossing pgtype.Timestamptz
	)
	err := row.Scan(
		&rec.UpstreamID, &rec.ChannelID, &rec.Kind, &rec.Title, &rec.URL, &rec.Permalink,
		&rec.CreatedAt, &rec.LastScore, &crossing,
	)
	if err != nil {
		return watch.PostRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if crossing.Valid {
		at := crossing.Time.UTC()
		rec.ThresholdCrossingAt = &at
	}
	return rec, nil
}

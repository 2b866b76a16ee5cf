// Package source is the object source: a resumable pull iterator of objects
// currently placed on the job's from_shark. PostgresSource is the default
// backend, reading a metadata mirror table over the same driver the job
// store already uses; deployments with a dedicated scanner implement Source
// against it instead.
package source

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/TritonDataCenter/rebalancer/common"
)

// Object is one discovered object: its metadata blob, etag, and owning shard.
type Object struct {
	ObjectID common.ObjectId
	Blob     []byte
	Etag     common.Etag
	Shard    common.ShardId
}

// Source yields either the next object or (zero, false, nil) at end of
// stream.
type Source interface {
	Next(ctx context.Context) (Object, bool, error)
	Close() error
}

// PostgresSource reads from a manta_objects table carrying each object's
// current shark set, filtered to rows whose sharks array contains fromShark.
type PostgresSource struct {
	db        *sqlx.DB
	rows      *sqlx.Rows
	fromShark common.StorageNodeId
}

func OpenPostgresSource(ctx context.Context, databaseURL string, fromShark common.StorageNodeId) (*PostgresSource, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting object source: %w", err)
	}
	rows, err := db.QueryxContext(ctx, `
		SELECT object_id, etag, shard, object_blob FROM manta_objects
		WHERE sharks @> ARRAY[$1]`, string(fromShark))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("querying object source: %w", err)
	}
	return &PostgresSource{db: db, rows: rows, fromShark: fromShark}, nil
}

func (s *PostgresSource) Next(ctx context.Context) (Object, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return Object{}, false, err
		}
		return Object{}, false, nil
	}
	var objectID, etag string
	var shard int32
	var blob []byte
	if err := s.rows.Scan(&objectID, &etag, &shard, &blob); err != nil {
		return Object{}, false, err
	}
	return Object{
		ObjectID: common.ObjectId(objectID),
		Etag:     common.Etag(etag),
		Shard:    common.ShardId(shard),
		Blob:     blob,
	}, true, nil
}

func (s *PostgresSource) Close() error {
	if s.rows != nil {
		_ = s.rows.Close()
	}
	return s.db.Close()
}

// RetryFilter decorates a Source so a retry job's discovery only yields
// objects the prior job left non-complete. Objects in terminal error state
// are intentionally included, since retry exists to re-attempt them.
type RetryFilter struct {
	inner Source
	allow map[common.ObjectId]bool
}

func NewRetryFilter(inner Source, nonCompleteObjectIDs []common.ObjectId) *RetryFilter {
	allow := make(map[common.ObjectId]bool, len(nonCompleteObjectIDs))
	for _, id := range nonCompleteObjectIDs {
		allow[id] = true
	}
	return &RetryFilter{inner: inner, allow: allow}
}

func (f *RetryFilter) Next(ctx context.Context) (Object, bool, error) {
	for {
		obj, ok, err := f.inner.Next(ctx)
		if err != nil || !ok {
			return obj, ok, err
		}
		if f.allow[obj.ObjectID] {
			return obj, true, nil
		}
	}
}

func (f *RetryFilter) Close() error { return f.inner.Close() }

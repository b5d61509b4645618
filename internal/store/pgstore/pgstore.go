// Package pgstore keeps documents as jsonb rows in Postgres and pushes
// changes to subscribers with LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/store"
)

const DefaultChannel = "document_changes"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
  collection text        NOT NULL,
  id         text        NOT NULL,
  data       jsonb       NOT NULL DEFAULT '{}'::jsonb,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, id)
)`

// The CTE makes the write and its notification one statement, so a
// subscriber never sees a notification for an uncommitted row.
const setSQL = `
WITH up AS (
  INSERT INTO documents (collection, id, data, updated_at)
  VALUES ($1, $2, $3::jsonb, now())
  ON CONFLICT (collection, id) DO UPDATE SET data = %s, updated_at = now()
  RETURNING collection, id
)
SELECT pg_notify($4, up.collection || '/' || up.id) FROM up`

const getSQL = `SELECT data FROM documents WHERE collection = $1 AND id = $2`

const snapshotSQL = `SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`

type Store struct {
	db      *sqlx.DB
	channel string
	log     logrus.FieldLogger
}

var _ store.Store = (*Store)(nil)

func New(db *sqlx.DB, channel string, log logrus.FieldLogger) *Store {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Store{db: db, channel: channel, log: log.WithField("component", "pgstore")}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify("ensure schema", err)
	}
	return nil
}

func mergeExpr(opts store.SetOptions) string {
	switch {
	case !opts.Merge:
		return "EXCLUDED.data"
	case opts.KeepExisting:
		return "EXCLUDED.data || documents.data"
	default:
		return "documents.data || EXCLUDED.data"
	}
}

func (s *Store) Set(ctx context.Context, collection, id string, partial store.Document, opts store.SetOptions) error {
	payload, err := json.Marshal(partial)
	if err != nil {
		return store.NewError(store.Unknown, "set", fmt.Errorf("encode document: %w", err))
	}
	q := fmt.Sprintf(setSQL, mergeExpr(opts))
	if _, err := s.db.ExecContext(ctx, q, collection, id, string(payload), s.channel); err != nil {
		return classify("set", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, bool, error) {
	var raw []byte
	err := s.db.QueryRowxContext(ctx, getSQL, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get", err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, false, store.NewError(store.Unknown, "get", err)
	}
	return doc, true, nil
}

type row struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

func (s *Store) snapshot(ctx context.Context, collection string) ([]store.Snapshot, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, snapshotSQL, collection); err != nil {
		return nil, classify("snapshot", err)
	}
	out := make([]store.Snapshot, 0, len(rows))
	for _, r := range rows {
		doc, err := decode(r.Data)
		if err != nil {
			s.log.WithError(err).WithField("id", r.ID).Warn("skipping undecodable document")
			continue
		}
		out = append(out, store.Snapshot{ID: r.ID, Data: doc})
	}
	return out, nil
}

// Subscribe holds one dedicated connection in LISTEN mode. LISTEN is
// issued before the initial snapshot is read, so a write racing the
// snapshot is delivered at least once.
func (s *Store) Subscribe(ctx context.Context, collection string, onBatch store.BatchFunc, onError store.ErrorFunc) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	conn, err := s.db.Conn(subCtx)
	if err != nil {
		cancel()
		return nil, classify("subscribe", err)
	}
	listen := "LISTEN " + pgx.Identifier{s.channel}.Sanitize()
	if _, err := conn.ExecContext(subCtx, listen); err != nil {
		discard(conn)
		cancel()
		return nil, classify("subscribe", err)
	}
	initial, err := s.snapshot(subCtx, collection)
	if err != nil {
		discard(conn)
		cancel()
		return nil, err
	}

	go s.listen(subCtx, conn, collection, initial, onBatch, onError)
	return cancel, nil
}

func (s *Store) listen(ctx context.Context, conn *sql.Conn, collection string, initial []store.Snapshot, onBatch store.BatchFunc, onError store.ErrorFunc) {
	onBatch(initial)

	var loopErr error
	// Returning ErrBadConn from Raw drops the connection instead of handing a
	// LISTENing session back to the pool.
	_ = conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			loopErr = fmt.Errorf("unexpected driver connection %T", dc)
			return driver.ErrBadConn
		}
		pc := sc.Conn()
		for {
			n, err := pc.WaitForNotification(ctx)
			if err != nil {
				loopErr = err
				return driver.ErrBadConn
			}
			coll, id, ok := parsePayload(n.Payload)
			if !ok || coll != collection {
				continue
			}
			doc, found, err := s.Get(ctx, collection, id)
			if err != nil {
				loopErr = err
				return driver.ErrBadConn
			}
			if !found {
				continue
			}
			onBatch([]store.Snapshot{{ID: id, Data: doc}})
		}
	})
	_ = conn.Close()

	if ctx.Err() != nil {
		return
	}
	s.log.WithError(loopErr).WithField("collection", collection).Warn("subscription lost")
	onError(classify("subscribe", loopErr))
}

func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func parsePayload(p string) (collection, id string, ok bool) {
	collection, id, ok = strings.Cut(p, "/")
	if !ok || collection == "" || id == "" {
		return "", "", false
	}
	return collection, id, true
}

func decode(raw []byte) (store.Document, error) {
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = store.Document{}
	}
	return doc, nil
}

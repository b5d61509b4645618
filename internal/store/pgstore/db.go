package pgstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// Open returns a pooled handle using the pgx database/sql driver. One
// connection per live subscription is held outside the pool's idle set.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return sqlx.NewDb(db, "pgx"), nil
}

func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

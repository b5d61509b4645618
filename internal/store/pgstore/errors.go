package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"bus-tracker/internal/store"
)

// classify maps driver and server errors onto store codes.
// SQLSTATE classes: 08 connection exception, 53 insufficient resources,
// 57P operator intervention, 40001/40P01 serialization and deadlock.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	return store.NewError(codeFor(err), op, err)
}

func codeFor(err error) store.Code {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return store.PermissionDenied
		case strings.HasPrefix(pgErr.Code, "53"), pgErr.Code == "54000":
			return store.ResourceExhausted
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"),
			pgErr.Code == "40001", pgErr.Code == "40P01":
			return store.Unavailable
		}
		return store.Unknown
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return store.Unavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.Unavailable
	}
	return store.Unknown
}

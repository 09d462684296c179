package sqlbackend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/makalaaneesh/isolation-harness/isolation"
)

// MySQL error numbers.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// PostgreSQL SQLSTATE codes.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// translate marks err with the isolation sentinel it corresponds to, so
// callers can classify it with errors.Is. Unknown errors pass through.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Mark(err, isolation.ErrNotFound)
	}

	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return errors.Mark(err, isolation.ErrDeadlockDetected)
		}
		return err
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgDeadlockDetected, pgLockNotAvailable:
			return errors.Mark(err, isolation.ErrDeadlockDetected)
		case pgSerializationFailure:
			return errors.Mark(err, isolation.ErrSerializationConflict)
		}
		return err
	}

	if unavailable(err) {
		return errors.Mark(err, isolation.ErrBackendUnavailable)
	}
	return err
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// aborts reports whether the database rolled back the whole transaction.
func aborts(err error) bool {
	return errors.Is(err, isolation.ErrDeadlockDetected) ||
		errors.Is(err, isolation.ErrSerializationConflict) ||
		errors.Is(err, isolation.ErrBackendUnavailable)
}

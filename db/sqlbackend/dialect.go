package sqlbackend

import (
	"github.com/cockroachdb/errors"
	// Registers the "mysql" database/sql driver.
	_ "github.com/go-sql-driver/mysql"
	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect holds the statements one SQL database needs. Balances live in
// accounts(name PRIMARY KEY, balance BIGINT).
type Dialect struct {
	Name   string
	Driver string

	CreateTable string
	Truncate    string
	Upsert      string
	Select      string
	// SelectShared is Select taking a shared row lock.
	SelectShared string
	// AddDelta adds to a balance; the new balance is read back with Select.
	AddDelta string
	Delete   string
}

var MySQL = Dialect{
	Name:         "mysql",
	Driver:       "mysql",
	CreateTable:  "CREATE TABLE IF NOT EXISTS accounts (name VARCHAR(64) PRIMARY KEY, balance BIGINT NOT NULL)",
	Truncate:     "DELETE FROM accounts",
	Upsert:       "INSERT INTO accounts (name, balance) VALUES (?, ?) ON DUPLICATE KEY UPDATE balance = VALUES(balance)",
	Select:       "SELECT balance FROM accounts WHERE name = ?",
	SelectShared: "SELECT balance FROM accounts WHERE name = ? LOCK IN SHARE MODE",
	AddDelta:     "UPDATE accounts SET balance = balance + ? WHERE name = ?",
	Delete:       "DELETE FROM accounts WHERE name = ?",
}

var Postgres = Dialect{
	Name:         "postgres",
	Driver:       "pgx",
	CreateTable:  "CREATE TABLE IF NOT EXISTS accounts (name TEXT PRIMARY KEY, balance BIGINT NOT NULL)",
	Truncate:     "DELETE FROM accounts",
	Upsert:       "INSERT INTO accounts (name, balance) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET balance = excluded.balance",
	Select:       "SELECT balance FROM accounts WHERE name = $1",
	SelectShared: "SELECT balance FROM accounts WHERE name = $1 FOR SHARE",
	AddDelta:     "UPDATE accounts SET balance = balance + $1 WHERE name = $2",
	Delete:       "DELETE FROM accounts WHERE name = $1",
}

// DialectFor returns the dialect of a backend name.
func DialectFor(backend string) (Dialect, error) {
	switch backend {
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	}
	return Dialect{}, errors.Newf("unknown SQL backend %q", backend)
}

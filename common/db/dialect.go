package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"github.com/ceramicnetwork/go-notary/models"
)

type errorKind uint8

const (
	errorKind_Permanent errorKind = iota
	errorKind_Transient
	errorKind_ConcurrentClaim
)

// Dialect captures what differs between the SQL databases the committed state table can live in.
type Dialect struct {
	Name        string
	DriverName  string
	placeholder func(n int) string
	txOptions   *sql.TxOptions
	createStmts []string
	classify    func(err error) errorKind
}

var Dialect_Postgres = Dialect{
	Name:        "postgres",
	DriverName:  "pgx",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	txOptions:   &sql.TxOptions{Isolation: sql.LevelReadCommitted},
	createStmts: []string{
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_CommittedStates + ` (
			issue_transaction_id BYTEA NOT NULL,
			issue_transaction_output_id BIGINT NOT NULL,
			consuming_transaction_id BYTEA NOT NULL,
			CONSTRAINT notary_committed_states_pkey PRIMARY KEY (issue_transaction_id, issue_transaction_output_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_RequestLog + ` (
			request_id BIGSERIAL PRIMARY KEY,
			consuming_transaction_id BYTEA NOT NULL,
			requesting_party_name TEXT NOT NULL,
			request_signer TEXT NOT NULL,
			request_signature BYTEA NOT NULL,
			platform_version INTEGER NOT NULL,
			request_date TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_CommittedTransactions + ` (
			transaction_id BYTEA NOT NULL PRIMARY KEY
		)`,
	},
	classify: classifyPostgres,
}

var Dialect_Sqlite = Dialect{
	Name:        "sqlite",
	DriverName:  "sqlite3",
	placeholder: func(int) string { return "?" },
	createStmts: []string{
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_CommittedStates + ` (
			issue_transaction_id BLOB NOT NULL,
			issue_transaction_output_id INTEGER NOT NULL,
			consuming_transaction_id BLOB NOT NULL,
			PRIMARY KEY (issue_transaction_id, issue_transaction_output_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_RequestLog + ` (
			request_id INTEGER PRIMARY KEY AUTOINCREMENT,
			consuming_transaction_id BLOB NOT NULL,
			requesting_party_name TEXT NOT NULL,
			request_signer TEXT NOT NULL,
			request_signature BLOB NOT NULL,
			platform_version INTEGER NOT NULL,
			request_date TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ` + models.TableName_CommittedTransactions + ` (
			transaction_id BLOB NOT NULL PRIMARY KEY
		)`,
	},
	classify: classifySqlite,
}

// placeholders renders `count` placeholders starting at parameter number `start`, grouped `perGroup` at a time,
// e.g. "($1, $2), ($3, $4)".
func (d Dialect) placeholders(start, count, perGroup int) string {
	var sb strings.Builder
	for i := 0; i < count; i++ {
		if i%perGroup == 0 {
			if i > 0 {
				sb.WriteString("), ")
			}
			sb.WriteString("(")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(d.placeholder(start + i))
	}
	if count > 0 {
		sb.WriteString(")")
	}
	return sb.String()
}

// wrap attaches the retry classification of a driver error.
func (d Dialect) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)
	switch d.classify(err) {
	case errorKind_Transient:
		return models.Transient(err)
	case errorKind_ConcurrentClaim:
		return fmt.Errorf("%w: %w", errConcurrentClaim, err)
	default:
		return err
	}
}

var errConcurrentClaim = errors.New("state claimed by a concurrent transaction")

func classifyPostgres(err error) errorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return errorKind_ConcurrentClaim
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return errorKind_Transient
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return errorKind_Transient
		case pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300": // admin_shutdown, cannot_connect_now, too_many_connections
			return errorKind_Transient
		}
		return errorKind_Permanent
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return errorKind_Transient
	}
	return classifyConnection(err)
}

func classifySqlite(err error) errorKind {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return errorKind_ConcurrentClaim
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return errorKind_Transient
		}
		return errorKind_Permanent
	}
	return classifyConnection(err)
}

func classifyConnection(err error) errorKind {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return errorKind_Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errorKind_Transient
	}
	return errorKind_Permanent
}

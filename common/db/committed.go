// Package db stores committed states in Postgres or SQLite. Both go through database/sql, with pgx registered as the
// Postgres driver, so that one implementation of the commit transaction serves either backend. Only the SQL text and
// the error classification differ, and those live in a Dialect.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/common/conflicts"
	"github.com/ceramicnetwork/go-notary/models"
)

// Rows written per INSERT statement. Three parameters per row keeps every statement under SQLite's 999 parameter
// limit.
const insertChunkSize = 300

// CommittedStateDatabase stores consumed states in a SQL table whose primary key is the state reference. The primary
// key is what makes the table safe to share between notary replicas: a state can only ever be inserted once.
type CommittedStateDatabase struct {
	db            *sql.DB
	dialect       Dialect
	logger        models.Logger
	metricService models.MetricService
}

func NewCommittedStateDb(db *sql.DB, dialect Dialect, logger models.Logger, metricService models.MetricService) *CommittedStateDatabase {
	return &CommittedStateDatabase{db, dialect, logger, metricService}
}

func (cdb *CommittedStateDatabase) CreateTables(ctx context.Context) error {
	for _, stmt := range cdb.dialect.createStmts {
		cdb.logger.Debugf("createTables: %s", stmt)
		if _, err := cdb.db.ExecContext(ctx, stmt); err != nil {
			return cdb.dialect.wrap("createTables", err)
		}
	}
	return nil
}

// CommitStates claims the states of all requests in one database transaction. If another notary claims one of the
// batch's states between our read and our insert, the primary key rejects the insert; the transaction is rolled back
// and re-run, and the re-run sees the other notary's claim as a regular conflict.
func (cdb *CommittedStateDatabase) CommitStates(ctx context.Context, requests []*models.CommitRequest, now time.Time) (map[uuid.UUID]models.Result, error) {
	for attempt := 1; ; attempt++ {
		results, err := cdb.commitStates(ctx, requests, now)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, errConcurrentClaim) {
			return nil, err
		}
		cdb.metricService.Count(ctx, models.MetricName_StoreRollback, 1)
		if attempt >= models.MaxRollbackRetries {
			return nil, models.Transient(fmt.Errorf("commitStates: rolled back %d times: %w", attempt, err))
		}
		cdb.logger.Warnf("commitStates: database transaction conflict, retrying: %v", err)
	}
}

func (cdb *CommittedStateDatabase) commitStates(ctx context.Context, requests []*models.CommitRequest, now time.Time) (map[uuid.UUID]models.Result, error) {
	tx, err := cdb.db.BeginTx(ctx, cdb.dialect.txOptions)
	if err != nil {
		return nil, cdb.dialect.wrap("commitStates: begin", err)
	}
	// No-op once committed
	defer tx.Rollback()

	if err = cdb.logRequests(ctx, tx, requests, now); err != nil {
		return nil, err
	}
	view, err := cdb.readView(ctx, tx, requests)
	if err != nil {
		return nil, err
	}
	decision := conflicts.Resolve(requests, view, now)
	if err = cdb.insertStates(ctx, tx, decision.ToCommit); err != nil {
		return nil, err
	}
	if err = cdb.insertTransactions(ctx, tx, decision.ToCommit); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, cdb.dialect.wrap("commitStates: commit", err)
	}
	return decision.Results, nil
}

// logRequests records every request of the batch, including the ones that end up rejected.
func (cdb *CommittedStateDatabase) logRequests(ctx context.Context, tx *sql.Tx, requests []*models.CommitRequest, now time.Time) error {
	const numCols = 6
	for start := 0; start < len(requests); start += insertChunkSize / 2 {
		chunk := requests[start:min(start+insertChunkSize/2, len(requests))]
		args := make([]any, 0, len(chunk)*numCols)
		for _, request := range chunk {
			signature := request.Signature.Bytes
			if signature == nil {
				signature = []byte{}
			}
			args = append(args,
				request.TxId.Bytes(),
				request.Caller.Name,
				request.Signature.Signer,
				signature,
				request.Signature.PlatformVersion,
				now.UTC(),
			)
		}
		query := "INSERT INTO " + models.TableName_RequestLog +
			" (consuming_transaction_id, requesting_party_name, request_signer, request_signature, platform_version, request_date) VALUES " +
			cdb.dialect.placeholders(1, len(args), numCols)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return cdb.dialect.wrap("logRequests", err)
		}
	}
	return nil
}

func (cdb *CommittedStateDatabase) readView(ctx context.Context, tx *sql.Tx, requests []*models.CommitRequest) (*conflicts.StoreView, error) {
	view := conflicts.NewStoreView()
	states := conflicts.BatchStates(requests)
	for start := 0; start < len(states); start += models.DbLookupChunkSize {
		chunk := states[start:min(start+models.DbLookupChunkSize, len(states))]
		if err := cdb.findAlreadyCommitted(ctx, tx, chunk, view); err != nil {
			return nil, err
		}
	}
	txIds := conflicts.BatchTxIds(requests)
	for start := 0; start < len(txIds); start += models.DbLookupChunkSize {
		chunk := txIds[start:min(start+models.DbLookupChunkSize, len(txIds))]
		if err := cdb.findCommittedTransactions(ctx, tx, chunk, view); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func (cdb *CommittedStateDatabase) findAlreadyCommitted(ctx context.Context, tx *sql.Tx, states []models.StateRef, view *conflicts.StoreView) error {
	clauses := make([]string, len(states))
	args := make([]any, 0, len(states)*2)
	for idx, state := range states {
		clauses[idx] = fmt.Sprintf(
			"(issue_transaction_id = %s AND issue_transaction_output_id = %s)",
			cdb.dialect.placeholder(2*idx+1),
			cdb.dialect.placeholder(2*idx+2),
		)
		args = append(args, state.TxHash.Bytes(), int64(state.Index))
	}
	query := "SELECT issue_transaction_id, issue_transaction_output_id, consuming_transaction_id FROM " +
		models.TableName_CommittedStates + " WHERE " + strings.Join(clauses, " OR ")
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return cdb.dialect.wrap("findAlreadyCommitted", err)
	}
	defer rows.Close()

	for rows.Next() {
		var issueTx, consumingTx []byte
		var outputIdx int64
		if err = rows.Scan(&issueTx, &outputIdx, &consumingTx); err != nil {
			return cdb.dialect.wrap("findAlreadyCommitted: scan", err)
		}
		issueHash, err := models.SecureHashFromBytes(issueTx)
		if err != nil {
			return fmt.Errorf("findAlreadyCommitted: corrupt issuing transaction id: %w", err)
		}
		consumingHash, err := models.SecureHashFromBytes(consumingTx)
		if err != nil {
			return fmt.Errorf("findAlreadyCommitted: corrupt consuming transaction id: %w", err)
		}
		view.Consumed[models.StateRef{TxHash: issueHash, Index: uint32(outputIdx)}] = consumingHash
	}
	return cdb.dialect.wrap("findAlreadyCommitted: rows", rows.Err())
}

func (cdb *CommittedStateDatabase) findCommittedTransactions(ctx context.Context, tx *sql.Tx, txIds []models.SecureHash, view *conflicts.StoreView) error {
	args := make([]any, len(txIds))
	for idx, txId := range txIds {
		args[idx] = txId.Bytes()
	}
	query := "SELECT transaction_id FROM " + models.TableName_CommittedTransactions +
		" WHERE transaction_id IN " + cdb.dialect.placeholders(1, len(args), len(args))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return cdb.dialect.wrap("findCommittedTransactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var txId []byte
		if err = rows.Scan(&txId); err != nil {
			return cdb.dialect.wrap("findCommittedTransactions: scan", err)
		}
		hash, err := models.SecureHashFromBytes(txId)
		if err != nil {
			return fmt.Errorf("findCommittedTransactions: corrupt transaction id: %w", err)
		}
		view.Committed[hash] = true
	}
	return cdb.dialect.wrap("findCommittedTransactions: rows", rows.Err())
}

func (cdb *CommittedStateDatabase) insertStates(ctx context.Context, tx *sql.Tx, requests []*models.CommitRequest) error {
	const numCols = 3
	args := make([]any, 0, insertChunkSize*numCols)
	flush := func() error {
		if len(args) == 0 {
			return nil
		}
		query := "INSERT INTO " + models.TableName_CommittedStates +
			" (issue_transaction_id, issue_transaction_output_id, consuming_transaction_id) VALUES " +
			cdb.dialect.placeholders(1, len(args), numCols)
		_, err := tx.ExecContext(ctx, query, args...)
		args = args[:0]
		return cdb.dialect.wrap("insertStates", err)
	}
	numStored := 0
	for _, request := range requests {
		for _, state := range request.States {
			args = append(args, state.TxHash.Bytes(), int64(state.Index), request.TxId.Bytes())
			numStored++
			if len(args) == insertChunkSize*numCols {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	cdb.metricService.Count(ctx, models.MetricName_CommittedStatesStored, numStored)
	return nil
}

func (cdb *CommittedStateDatabase) insertTransactions(ctx context.Context, tx *sql.Tx, requests []*models.CommitRequest) error {
	for start := 0; start < len(requests); start += insertChunkSize {
		chunk := requests[start:min(start+insertChunkSize, len(requests))]
		args := make([]any, len(chunk))
		for idx, request := range chunk {
			args[idx] = request.TxId.Bytes()
		}
		query := "INSERT INTO " + models.TableName_CommittedTransactions + " (transaction_id) VALUES " +
			cdb.dialect.placeholders(1, len(args), 1)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return cdb.dialect.wrap("insertTransactions", err)
		}
	}
	return nil
}

// GetConsumingTx returns the transaction that consumed a state, or nil if the state is unspent.
func (cdb *CommittedStateDatabase) GetConsumingTx(ctx context.Context, state models.StateRef) (*models.SecureHash, error) {
	query := "SELECT consuming_transaction_id FROM " + models.TableName_CommittedStates +
		" WHERE issue_transaction_id = " + cdb.dialect.placeholder(1) +
		" AND issue_transaction_output_id = " + cdb.dialect.placeholder(2)
	var consumingTx []byte
	if err := cdb.db.QueryRowContext(ctx, query, state.TxHash.Bytes(), int64(state.Index)).Scan(&consumingTx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, cdb.dialect.wrap("getConsumingTx", err)
	}
	hash, err := models.SecureHashFromBytes(consumingTx)
	if err != nil {
		return nil, fmt.Errorf("getConsumingTx: corrupt transaction id: %w", err)
	}
	return &hash, nil
}

func (cdb *CommittedStateDatabase) CommittedStateCount(ctx context.Context) (int, error) {
	var count int
	err := cdb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+models.TableName_CommittedStates).Scan(&count)
	return count, cdb.dialect.wrap("committedStateCount", err)
}

func (cdb *CommittedStateDatabase) RequestLogCount(ctx context.Context) (int, error) {
	var count int
	err := cdb.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+models.TableName_RequestLog).Scan(&count)
	return count, cdb.dialect.wrap("requestLogCount", err)
}

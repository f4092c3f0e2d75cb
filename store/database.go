package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/happychain/boop-submitter/boop"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var ErrInvalidNumeric = errors.New("invalid numeric value in database")

//go:embed schema.sql
var schemaSQL string

type DBIntent struct {
	Hash                    []byte         `db:"hash"`
	EntryPoint              []byte         `db:"entry_point"`
	Account                 []byte         `db:"account"`
	NonceTrack              string         `db:"nonce_track"`
	NonceValue              string         `db:"nonce_value"`
	Deadline                sql.NullInt64  `db:"deadline"`
	GasLimit                int64          `db:"gas_limit"`
	ValidateGasLimit        int64          `db:"validate_gas_limit"`
	ValidatePaymentGasLimit int64          `db:"validate_payment_gas_limit"`
	ExecuteGasLimit         int64          `db:"execute_gas_limit"`
	MaxFeePerGas            string         `db:"max_fee_per_gas"`
	SubmitterFee            string         `db:"submitter_fee"`
	ExplicitGas             bool           `db:"explicit_gas"`
	Body                    []byte         `db:"body"`
	BatchID                 uuid.NullUUID  `db:"batch_id"`
	ReceivedAt              time.Time      `db:"received_at"`
	Status                  sql.NullString `db:"status"`
}

var insertIntentQuery = `
INSERT INTO boop_transactions (hash, entry_point, account, nonce_track, nonce_value, deadline,
                               gas_limit, validate_gas_limit, validate_payment_gas_limit, execute_gas_limit,
                               max_fee_per_gas, submitter_fee, explicit_gas, body, batch_id, received_at)
VALUES (:hash, :entry_point, :account, :nonce_track, :nonce_value, :deadline,
        :gas_limit, :validate_gas_limit, :validate_payment_gas_limit, :execute_gas_limit,
        :max_fee_per_gas, :submitter_fee, :explicit_gas, :body, :batch_id, :received_at)
ON CONFLICT (hash) DO
UPDATE SET gas_limit = :gas_limit, validate_gas_limit = :validate_gas_limit,
           validate_payment_gas_limit = :validate_payment_gas_limit, execute_gas_limit = :execute_gas_limit,
           max_fee_per_gas = :max_fee_per_gas, submitter_fee = :submitter_fee, body = :body,
           batch_id = COALESCE(:batch_id, boop_transactions.batch_id), updated_at = now()`

var insertInitialStateQuery = `
INSERT INTO boop_states (hash, status, included)
VALUES ($1, $2, false)
ON CONFLICT (hash) DO NOTHING`

var upsertStateQuery = `
INSERT INTO boop_states (hash, status, included)
VALUES ($1, $2, $3)
ON CONFLICT (hash) DO
UPDATE SET status = $2, included = $3, updated_at = now()`

var selectIntentQuery = `
SELECT t.body, t.explicit_gas, t.received_at, s.status
FROM boop_transactions t LEFT JOIN boop_states s ON s.hash = t.hash
WHERE t.hash = $1`

var selectUnfinishedQuery = `
SELECT t.body, t.explicit_gas, t.received_at, s.status
FROM boop_transactions t JOIN boop_states s ON s.hash = t.hash
WHERE s.status NOT IN ('included', 'reverted', 'simulationFailed', 'replaced', 'abandoned')
ORDER BY t.received_at`

var selectPendingByAccountQuery = `
SELECT t.body, t.explicit_gas, t.received_at, s.status
FROM boop_transactions t JOIN boop_states s ON s.hash = t.hash
WHERE t.account = $1 AND s.status NOT IN ('included', 'reverted', 'simulationFailed', 'replaced', 'abandoned')
ORDER BY t.nonce_track, t.nonce_value`

type DBAttempt struct {
	TxHash               []byte    `db:"tx_hash"`
	BoopHash             []byte    `db:"boop_hash"`
	Executor             []byte    `db:"executor"`
	Nonce                int64     `db:"nonce"`
	MaxFeePerGas         string    `db:"max_fee_per_gas"`
	MaxPriorityFeePerGas string    `db:"max_priority_fee_per_gas"`
	Gas                  int64     `db:"gas"`
	Type                 string    `db:"type"`
	Flushed              bool      `db:"flushed"`
	ReplacedBy           []byte    `db:"replaced_by"`
	RawTx                []byte    `db:"raw_tx"`
	CreatedAt            time.Time `db:"created_at"`
}

var upsertAttemptQuery = `
INSERT INTO boop_attempts (tx_hash, boop_hash, executor, nonce, max_fee_per_gas, max_priority_fee_per_gas,
                           gas, type, flushed, replaced_by, raw_tx, created_at)
VALUES (:tx_hash, :boop_hash, :executor, :nonce, :max_fee_per_gas, :max_priority_fee_per_gas,
        :gas, :type, :flushed, :replaced_by, :raw_tx, :created_at)
ON CONFLICT (tx_hash) DO
UPDATE SET flushed = :flushed, replaced_by = :replaced_by`

var selectAttemptsQuery = `
SELECT tx_hash, boop_hash, executor, nonce, max_fee_per_gas, max_priority_fee_per_gas,
       gas, type, flushed, replaced_by, raw_tx, created_at
FROM boop_attempts
WHERE boop_hash = ANY($1)
ORDER BY created_at`

type DBReceipt struct {
	BoopHash    []byte         `db:"boop_hash"`
	Status      string         `db:"status"`
	Description sql.NullString `db:"description"`
	RevertData  []byte         `db:"revert_data"`
	GasUsed     int64          `db:"gas_used"`
	GasCost     string         `db:"gas_cost"`
	Logs        []byte         `db:"logs"`
	TxHash      []byte         `db:"tx_hash"`
	BlockHash   []byte         `db:"block_hash"`
	BlockNumber int64          `db:"block_number"`
	EntryPoint  []byte         `db:"entry_point"`
}

var upsertReceiptQuery = `
INSERT INTO boop_receipts (boop_hash, status, description, revert_data, gas_used, gas_cost, logs,
                           tx_hash, block_hash, block_number, entry_point)
VALUES (:boop_hash, :status, :description, :revert_data, :gas_used, :gas_cost, :logs,
        :tx_hash, :block_hash, :block_number, :entry_point)
ON CONFLICT (boop_hash) DO
UPDATE SET status = :status, description = :description, revert_data = :revert_data, gas_used = :gas_used,
           gas_cost = :gas_cost, logs = :logs, tx_hash = :tx_hash, block_hash = :block_hash,
           block_number = :block_number, entry_point = :entry_point`

var selectReceiptQuery = `
SELECT boop_hash, status, description, revert_data, gas_used, gas_cost, logs,
       tx_hash, block_hash, block_number, entry_point
FROM boop_receipts
WHERE boop_hash = $1`

type DBBackend struct {
	db *sqlx.DB

	insertIntent  *sqlx.NamedStmt
	upsertAttempt *sqlx.NamedStmt
	upsertReceipt *sqlx.NamedStmt
	getReceipt    *sqlx.Stmt
	upsertState   *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	insertIntent, err := db.PrepareNamed(insertIntentQuery)
	if err != nil {
		return nil, err
	}
	upsertAttempt, err := db.PrepareNamed(upsertAttemptQuery)
	if err != nil {
		return nil, err
	}
	upsertReceipt, err := db.PrepareNamed(upsertReceiptQuery)
	if err != nil {
		return nil, err
	}
	getReceipt, err := db.Preparex(selectReceiptQuery)
	if err != nil {
		return nil, err
	}
	upsertState, err := db.Preparex(upsertStateQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:            db,
		insertIntent:  insertIntent,
		upsertAttempt: upsertAttempt,
		upsertReceipt: upsertReceipt,
		getReceipt:    getReceipt,
		upsertState:   upsertState,
	}, nil
}

func toDBIntent(intent *boop.Intent, batchID uuid.NullUUID) (DBIntent, error) {
	b := intent.Boop
	body, err := json.Marshal(intent)
	if err != nil {
		return DBIntent{}, err
	}
	dbIntent := DBIntent{
		Hash:                    intent.Hash.Bytes(),
		EntryPoint:              intent.EntryPoint.Bytes(),
		Account:                 b.Account.Bytes(),
		NonceTrack:              new(big.Int).SetUint64(uint64(b.NonceTrack)).String(),
		NonceValue:              new(big.Int).SetUint64(uint64(b.NonceValue)).String(),
		GasLimit:                int64(b.GasLimit),
		ValidateGasLimit:        int64(b.ValidateGasLimit),
		ValidatePaymentGasLimit: int64(b.ValidatePaymentGasLimit),
		ExecuteGasLimit:         int64(b.ExecuteGasLimit),
		MaxFeePerGas:            b.MaxFeeInt().String(),
		SubmitterFee:            b.SubmitterFeeInt().String(),
		ExplicitGas:             intent.ExplicitGas,
		Body:                    body,
		BatchID:                 batchID,
		ReceivedAt:              intent.ReceivedAt,
	}
	if b.Deadline != nil {
		dbIntent.Deadline = sql.NullInt64{Int64: int64(*b.Deadline), Valid: true}
	}
	return dbIntent, nil
}

func (b *DBBackend) saveIntents(ctx context.Context, batchID uuid.NullUUID, intents []*boop.Intent) error {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, intent := range intents {
		dbIntent, err := toDBIntent(intent, batchID)
		if err != nil {
			_ = dbTx.Rollback()
			return err
		}
		if _, err := dbTx.NamedStmtContext(ctx, b.insertIntent).ExecContext(ctx, dbIntent); err != nil {
			_ = dbTx.Rollback()
			return err
		}
		if _, err := dbTx.ExecContext(ctx, insertInitialStateQuery, dbIntent.Hash, string(boop.StateCreated)); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) SaveBatch(ctx context.Context, batchID uuid.UUID, intents []*boop.Intent) error {
	return b.saveIntents(ctx, uuid.NullUUID{UUID: batchID, Valid: true}, intents)
}

func (b *DBBackend) SaveIntent(ctx context.Context, intent *boop.Intent) error {
	return b.saveIntents(ctx, uuid.NullUUID{}, []*boop.Intent{intent})
}

func (b *DBBackend) SaveState(ctx context.Context, hash common.Hash, state boop.State) error {
	_, err := b.upsertState.ExecContext(ctx, hash.Bytes(), string(state), state.Finalized())
	return err
}

func (b *DBBackend) SaveAttempt(ctx context.Context, attempt *boop.Attempt) error {
	dbAttempt := DBAttempt{
		TxHash:               attempt.TxHash.Bytes(),
		BoopHash:             attempt.BoopHash.Bytes(),
		Executor:             attempt.Executor.Bytes(),
		Nonce:                int64(attempt.Nonce),
		MaxFeePerGas:         bigString(attempt.MaxFeePerGas),
		MaxPriorityFeePerGas: bigString(attempt.MaxPriorityFeePerGas),
		Gas:                  int64(attempt.Gas),
		Type:                 string(attempt.Type),
		Flushed:              attempt.Flushed,
		RawTx:                attempt.RawTx,
		CreatedAt:            attempt.CreatedAt,
	}
	if attempt.ReplacedBy != nil {
		dbAttempt.ReplacedBy = attempt.ReplacedBy.Bytes()
	}
	_, err := b.upsertAttempt.ExecContext(ctx, dbAttempt)
	return err
}

func (b *DBBackend) SaveReceipt(ctx context.Context, receipt *boop.Receipt) error {
	logs, err := json.Marshal(receipt.Logs)
	if err != nil {
		return err
	}
	gasCost := "0"
	if receipt.GasCost != nil {
		gasCost = receipt.GasCost.ToInt().String()
	}
	dbReceipt := DBReceipt{
		BoopHash:    receipt.BoopHash.Bytes(),
		Status:      string(receipt.Status),
		Description: sql.NullString{String: receipt.Description, Valid: receipt.Description != ""},
		RevertData:  receipt.RevertData,
		GasUsed:     int64(receipt.GasUsed),
		GasCost:     gasCost,
		Logs:        logs,
		TxHash:      receipt.TxHash.Bytes(),
		BlockHash:   receipt.BlockHash.Bytes(),
		BlockNumber: int64(receipt.BlockNumber),
		EntryPoint:  receipt.EntryPoint.Bytes(),
	}
	_, err = b.upsertReceipt.ExecContext(ctx, dbReceipt)
	return err
}

func (b *DBBackend) GetReceipt(ctx context.Context, hash common.Hash) (*boop.Receipt, error) {
	var dbReceipt DBReceipt
	err := b.getReceipt.GetContext(ctx, &dbReceipt, hash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	} else if err != nil {
		return nil, err
	}

	var logs []*types.Log
	if err := json.Unmarshal(dbReceipt.Logs, &logs); err != nil {
		return nil, err
	}
	gasCost, ok := new(big.Int).SetString(dbReceipt.GasCost, 10)
	if !ok {
		return nil, ErrInvalidNumeric
	}
	return &boop.Receipt{
		BoopHash:    common.BytesToHash(dbReceipt.BoopHash),
		Status:      boop.OnchainStatus(dbReceipt.Status),
		Description: dbReceipt.Description.String,
		RevertData:  dbReceipt.RevertData,
		GasUsed:     hexutil.Uint64(dbReceipt.GasUsed),
		GasCost:     (*hexutil.Big)(gasCost),
		Logs:        logs,
		TxHash:      common.BytesToHash(dbReceipt.TxHash),
		BlockHash:   common.BytesToHash(dbReceipt.BlockHash),
		BlockNumber: hexutil.Uint64(dbReceipt.BlockNumber),
		EntryPoint:  common.BytesToAddress(dbReceipt.EntryPoint),
	}, nil
}

func (b *DBBackend) GetIntent(ctx context.Context, hash common.Hash) (*StoredIntent, error) {
	var row DBIntent
	err := b.db.GetContext(ctx, &row, selectIntentQuery, hash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	} else if err != nil {
		return nil, err
	}
	stored, err := fromDBIntent(row)
	if err != nil {
		return nil, err
	}
	if err := b.loadAttempts(ctx, []*StoredIntent{stored}); err != nil {
		return nil, err
	}
	return stored, nil
}

func (b *DBBackend) LoadUnfinished(ctx context.Context) ([]*StoredIntent, error) {
	return b.selectIntents(ctx, selectUnfinishedQuery)
}

func (b *DBBackend) PendingByAccount(ctx context.Context, account common.Address) ([]*StoredIntent, error) {
	return b.selectIntents(ctx, selectPendingByAccountQuery, account.Bytes())
}

func (b *DBBackend) selectIntents(ctx context.Context, query string, args ...interface{}) ([]*StoredIntent, error) {
	var rows []DBIntent
	if err := b.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]*StoredIntent, 0, len(rows))
	for _, row := range rows {
		stored, err := fromDBIntent(row)
		if err != nil {
			return nil, err
		}
		res = append(res, stored)
	}
	if err := b.loadAttempts(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *DBBackend) loadAttempts(ctx context.Context, intents []*StoredIntent) error {
	if len(intents) == 0 {
		return nil
	}
	byHash := make(map[common.Hash]*StoredIntent, len(intents))
	hashes := make([][]byte, len(intents))
	for i, stored := range intents {
		byHash[stored.Intent.Hash] = stored
		hashes[i] = stored.Intent.Hash.Bytes()
	}

	var rows []DBAttempt
	if err := b.db.SelectContext(ctx, &rows, selectAttemptsQuery, pq.Array(hashes)); err != nil {
		return err
	}
	for _, row := range rows {
		attempt, err := fromDBAttempt(row)
		if err != nil {
			return err
		}
		if stored, ok := byHash[attempt.BoopHash]; ok {
			stored.Attempts = append(stored.Attempts, attempt)
		}
	}
	return nil
}

func fromDBIntent(row DBIntent) (*StoredIntent, error) {
	var intent boop.Intent
	if err := json.Unmarshal(row.Body, &intent); err != nil {
		return nil, err
	}
	intent.ExplicitGas = row.ExplicitGas
	intent.ReceivedAt = row.ReceivedAt
	state := boop.StateCreated
	if row.Status.Valid {
		state = boop.State(row.Status.String)
	}
	return &StoredIntent{Intent: &intent, State: state}, nil
}

func fromDBAttempt(row DBAttempt) (*boop.Attempt, error) {
	maxFee, ok := new(big.Int).SetString(row.MaxFeePerGas, 10)
	if !ok {
		return nil, ErrInvalidNumeric
	}
	priority, ok := new(big.Int).SetString(row.MaxPriorityFeePerGas, 10)
	if !ok {
		return nil, ErrInvalidNumeric
	}
	attempt := &boop.Attempt{
		BoopHash:             common.BytesToHash(row.BoopHash),
		TxHash:               common.BytesToHash(row.TxHash),
		Executor:             common.BytesToAddress(row.Executor),
		Nonce:                uint64(row.Nonce),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: priority,
		Gas:                  uint64(row.Gas),
		Type:                 boop.AttemptType(row.Type),
		Flushed:              row.Flushed,
		RawTx:                row.RawTx,
		CreatedAt:            row.CreatedAt,
	}
	if len(row.ReplacedBy) > 0 {
		replacedBy := common.BytesToHash(row.ReplacedBy)
		attempt.ReplacedBy = &replacedBy
	}
	return attempt, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

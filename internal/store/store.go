package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"money-transfer/internal/domain"
)

// ErrDuplicateKey means the idempotency key already has a transaction for
// the account. The ledger checks its own records first, so this only
// surfaces when two writers share one account.
var ErrDuplicateKey = errors.New("idempotency key already recorded for account")

// Postgres is the pgx-backed account store and saga checkpoint store.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db: db} }

// =========================
// RFC 8785 (JCS) for event payloads
// =========================

type JSONBytes = json.RawMessage

// jcsPayload returns both representations required by the DB schema:
// - payload_json: regular JSON bytes (to be cast to jsonb in SQL)
// - payload_canonical: RFC 8785 canonical JSON string (JCS)
func jcsPayload(v any) (payloadJSON JSONBytes, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return JSONBytes(raw), string(canon), nil
}

// insertEvent is the single entry point for event_log inserts.
func insertEvent(
	ctx context.Context,
	tx pgx.Tx,
	eventType, aggregateType, aggregateID, correlationID string,
	payload any,
) error {
	if strings.TrimSpace(eventType) == "" ||
		strings.TrimSpace(aggregateType) == "" ||
		strings.TrimSpace(aggregateID) == "" ||
		strings.TrimSpace(correlationID) == "" {
		return domain.ErrValidation
	}

	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO event_log(
			event_id, event_type, aggregate_type, aggregate_id, correlation_id, payload_json, payload_canonical
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)`,
		uuid.New(), eventType, aggregateType, aggregateID, correlationID, payloadJSON, payloadCanonical,
	)
	return err
}

type accountCreatedPayload struct {
	Name           string `json:"name"`
	InitialBalance int64  `json:"initial_balance"`
	Status         string `json:"status"`
}

type transactionPostedPayload struct {
	TxID        string `json:"tx_id"`
	Account     string `json:"account"`
	Operation   string `json:"operation"`
	Amount      int64  `json:"amount"`
	Balance     int64  `json:"balance"`
	Idempotency string `json:"idempotency"`
}

type statusChangedPayload struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (s *Postgres) begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// CreateAccount inserts the account with status ACTIVE. An existing account
// is returned unchanged.
func (s *Postgres) CreateAccount(ctx context.Context, name string, initialBalance int64) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, domain.ErrValidation
	}
	if initialBalance < 0 {
		return domain.Account{}, domain.ErrInvalidAmount
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO accounts(name, balance, status) VALUES($1,$2,'ACTIVE')
		 ON CONFLICT (name) DO NOTHING`,
		name, initialBalance,
	)
	if err != nil {
		return domain.Account{}, err
	}

	if tag.RowsAffected() == 1 {
		payload := accountCreatedPayload{Name: name, InitialBalance: initialBalance, Status: string(domain.StatusActive)}
		if err := insertEvent(ctx, tx, "ACCOUNT_CREATED", "ACCOUNT", name, name, payload); err != nil {
			return domain.Account{}, err
		}
	}

	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT name, balance, status, created_at FROM accounts WHERE name=$1`, name))
	if err != nil {
		return domain.Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, err
	}
	return acc, nil
}

func (s *Postgres) FindAccount(ctx context.Context, name string) (domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT name, balance, status, created_at FROM accounts WHERE name=$1`, name))
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT name, balance, status, created_at FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateStatus(ctx context.Context, name string, status domain.AccountStatus) error {
	if _, err := domain.ParseAccountStatus(string(status)); err != nil {
		return err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET status=$2 WHERE name=$1`, name, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	if err := insertEvent(ctx, tx, "ACCOUNT_STATUS_CHANGED", "ACCOUNT", name, name,
		statusChangedPayload{Name: name, Status: string(status)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyTransaction writes the new balance, the audit transaction (which also
// serves as the idempotency record) and a TRANSACTION_POSTED event in one
// database transaction.
func (s *Postgres) ApplyTransaction(ctx context.Context, newBalance int64, t domain.Transaction) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE accounts SET balance=$2 WHERE name=$1`, t.Account, newBalance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions(tx_id, account, operation, amount, idempotency_key, created_at)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Account, string(t.Operation), t.Amount, t.IdempotencyKey, t.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, t.IdempotencyKey)
		}
		return err
	}

	ev := transactionPostedPayload{
		TxID:        t.ID,
		Account:     t.Account,
		Operation:   string(t.Operation),
		Amount:      t.Amount,
		Balance:     newBalance,
		Idempotency: t.IdempotencyKey,
	}
	if err := insertEvent(ctx, tx, "TRANSACTION_POSTED", "ACCOUNT", t.Account, t.IdempotencyKey, ev); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// IdempotencyRecords returns key -> tx id for every transaction of the account.
func (s *Postgres) IdempotencyRecords(ctx context.Context, name string) (map[string]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT idempotency_key, tx_id FROM transactions WHERE account=$1`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, rows.Err()
}

func (s *Postgres) Transactions(ctx context.Context, name string) ([]domain.Transaction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT tx_id, operation, amount, idempotency_key, account, created_at
		   FROM transactions
		  WHERE account=$1
		  ORDER BY created_at, tx_id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var op string
		if err := rows.Scan(&t.ID, &op, &t.Amount, &t.IdempotencyKey, &t.Account, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Operation = domain.Operation(op)
		out = append(out, t)
	}
	return out, rows.Err()
}

// =========================
// Saga checkpoints
// =========================

func (s *Postgres) Save(ctx context.Context, st domain.SagaState) error {
	ref := st.ReferenceID()
	if strings.TrimSpace(ref) == "" {
		return domain.ErrValidation
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO saga_state(reference_id, status, state_json, updated_at)
		 VALUES($1,$2,$3::jsonb,$4)
		 ON CONFLICT (reference_id) DO UPDATE
		    SET status=EXCLUDED.status, state_json=EXCLUDED.state_json, updated_at=EXCLUDED.updated_at`,
		ref, string(st.Status), JSONBytes(raw), st.UpdatedAt,
	)
	return err
}

func (s *Postgres) Load(ctx context.Context, referenceID string) (domain.SagaState, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT state_json FROM saga_state WHERE reference_id=$1`, referenceID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SagaState{}, domain.ErrSagaNotFound
		}
		return domain.SagaState{}, err
	}
	var st domain.SagaState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.SagaState{}, fmt.Errorf("decode saga %s: %w", referenceID, err)
	}
	return st, nil
}

func (s *Postgres) Pending(ctx context.Context) ([]domain.SagaState, error) {
	rows, err := s.db.Query(ctx,
		`SELECT state_json FROM saga_state
		  WHERE status NOT IN ('COMPLETED','FAILED')
		  ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SagaState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st domain.SagaState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var acc domain.Account
	var status string
	if err := row.Scan(&acc.Name, &acc.Balance, &status, &acc.Created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	acc.Status = domain.AccountStatus(status)
	return acc, nil
}

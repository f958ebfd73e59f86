package claims

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"bridgerelay/internal/claims/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists claims in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const claimColumns = `seq, tx_hash, from_address, to_address, network, processed, status, last_error,
payout_tx_hash, sent_amount::text, received_amount::text, created_at, updated_at`

// NewPostgresStore connects to Postgres using the DSN and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	_, err = migrations.Run(db, migrations.Postgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) FindByHash(ctx context.Context, txHash string) (*Claim, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE tx_hash = $1`, NormalizeHash(txHash))
	c, err := scanPgClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) InsertIfAbsent(ctx context.Context, claim Claim) (bool, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO claims (tx_hash, from_address, to_address, network, processed, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, FALSE, $5, $6, $6)
ON CONFLICT (tx_hash) DO NOTHING
`, NormalizeHash(claim.TxHash), claim.From, claim.To, claim.Network, string(StatusPending), now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) MarkBroadcast(ctx context.Context, txHash string, payout Payout) error {
	key := NormalizeHash(txHash)
	tag, err := p.pool.Exec(ctx, `
UPDATE claims
SET status = $2,
    payout_tx_hash = $3,
    sent_amount = $4::numeric,
    received_amount = $5::numeric,
    updated_at = $6
WHERE tx_hash = $1 AND processed = FALSE AND status <> $2
`, key, string(StatusBroadcast), payout.TxHash, payout.SentAmount.String(), payout.ReceivedAmount.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.conflict(ctx, key)
}

func (p *PostgresStore) ReleasePayout(ctx context.Context, txHash string) error {
	key := NormalizeHash(txHash)
	tag, err := p.pool.Exec(ctx, `
UPDATE claims
SET status = $2, payout_tx_hash = NULL, sent_amount = NULL, received_amount = NULL, updated_at = $3
WHERE tx_hash = $1 AND processed = FALSE AND status = $4
`, key, string(StatusPending), time.Now().UTC(), string(StatusBroadcast))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := p.conflict(ctx, key); !errors.Is(err, ErrPayoutInFlight) {
		return err
	}
	return nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, txHash string, payout Payout) error {
	key := NormalizeHash(txHash)
	tag, err := p.pool.Exec(ctx, `
UPDATE claims
SET processed = TRUE,
    status = $2,
    last_error = '',
    payout_tx_hash = $3,
    sent_amount = $4::numeric,
    received_amount = $5::numeric,
    updated_at = $6
WHERE tx_hash = $1 AND processed = FALSE
`, key, string(StatusProcessed), payout.TxHash, payout.SentAmount.String(), payout.ReceivedAmount.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.conflict(ctx, key)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, txHash, reason string) error {
	key := NormalizeHash(txHash)
	tag, err := p.pool.Exec(ctx, `
UPDATE claims
SET status = CASE WHEN status = $5 THEN status ELSE $2 END, last_error = $3, updated_at = $4
WHERE tx_hash = $1 AND processed = FALSE
`, key, string(StatusFailed), reason, time.Now().UTC(), string(StatusBroadcast))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := p.conflict(ctx, key); !errors.Is(err, ErrAlreadyProcessed) {
		return err
	}
	return nil
}

func (p *PostgresStore) ListByAddress(ctx context.Context, from string, page, pageSize int) ([]Claim, error) {
	if err := checkPage(page, pageSize); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+claimColumns+`
FROM claims
WHERE from_address = $1
ORDER BY seq DESC
LIMIT $2 OFFSET $3
`, from, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Claim, 0, pageSize)
	for rows.Next() {
		c, err := scanPgClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) conflict(ctx context.Context, key string) error {
	var (
		processed bool
		status    string
	)
	err := p.pool.QueryRow(ctx, `SELECT processed, status FROM claims WHERE tx_hash = $1`, key).Scan(&processed, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return rowConflict(key, processed, Status(status))
}

func scanPgClaim(row pgx.Row) (*Claim, error) {
	var (
		c                  Claim
		seq                int64
		status             string
		payoutHash         *string
		sent, received     *string
		createdAt, updated time.Time
	)
	err := row.Scan(&seq, &c.TxHash, &c.From, &c.To, &c.Network, &c.Processed, &status, &c.LastError,
		&payoutHash, &sent, &received, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	c.Seq = uint64(seq)
	c.Status = Status(status)
	c.CreatedAt = createdAt.UTC()
	c.UpdatedAt = updated.UTC()
	if payoutHash != nil {
		c.PayoutTxHash = *payoutHash
	}
	if c.SentAmount, err = parseAmount(sent); err != nil {
		return nil, err
	}
	if c.ReceivedAmount, err = parseAmount(received); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseAmount(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", *s)
	}
	return v, nil
}

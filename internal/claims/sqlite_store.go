package claims

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"bridgerelay/internal/claims/migrations"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps claims in a local SQLite file. Suitable for a single relay node.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps the conditional updates serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		pragma journal_mode = WAL;
		pragma synchronous = normal;
		pragma busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Run(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteColumns = `seq, tx_hash, from_address, to_address, network, processed, status, last_error,
payout_tx_hash, sent_amount, received_amount, created_at, updated_at`

func (s *SQLiteStore) FindByHash(ctx context.Context, txHash string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM claims WHERE tx_hash = ?`, NormalizeHash(txHash))
	c, err := scanSQLiteClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, claim Claim) (bool, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO claims (tx_hash, from_address, to_address, network, processed, status, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (tx_hash) DO NOTHING
`, NormalizeHash(claim.TxHash), claim.From, claim.To, claim.Network, string(StatusPending), now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) MarkBroadcast(ctx context.Context, txHash string, payout Payout) error {
	key := NormalizeHash(txHash)
	res, err := s.db.ExecContext(ctx, `
UPDATE claims
SET status = ?, payout_tx_hash = ?, sent_amount = ?, received_amount = ?, updated_at = ?
WHERE tx_hash = ? AND processed = 0 AND status <> ?
`, string(StatusBroadcast), payout.TxHash, payout.SentAmount.String(), payout.ReceivedAmount.String(),
		time.Now().UTC().UnixNano(), key, string(StatusBroadcast))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	return s.conflict(ctx, key)
}

func (s *SQLiteStore) ReleasePayout(ctx context.Context, txHash string) error {
	key := NormalizeHash(txHash)
	res, err := s.db.ExecContext(ctx, `
UPDATE claims
SET status = ?, payout_tx_hash = NULL, sent_amount = NULL, received_amount = NULL, updated_at = ?
WHERE tx_hash = ? AND processed = 0 AND status = ?
`, string(StatusPending), time.Now().UTC().UnixNano(), key, string(StatusBroadcast))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	if err := s.conflict(ctx, key); !errors.Is(err, ErrPayoutInFlight) {
		return err
	}
	return nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, txHash string, payout Payout) error {
	key := NormalizeHash(txHash)
	res, err := s.db.ExecContext(ctx, `
UPDATE claims
SET processed = 1, status = ?, last_error = '', payout_tx_hash = ?, sent_amount = ?, received_amount = ?, updated_at = ?
WHERE tx_hash = ? AND processed = 0
`, string(StatusProcessed), payout.TxHash, payout.SentAmount.String(), payout.ReceivedAmount.String(),
		time.Now().UTC().UnixNano(), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	return s.conflict(ctx, key)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, txHash, reason string) error {
	key := NormalizeHash(txHash)
	res, err := s.db.ExecContext(ctx, `
UPDATE claims
SET status = CASE WHEN status = ? THEN status ELSE ? END, last_error = ?, updated_at = ?
WHERE tx_hash = ? AND processed = 0
`, string(StatusBroadcast), string(StatusFailed), reason, time.Now().UTC().UnixNano(), key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	if err := s.conflict(ctx, key); !errors.Is(err, ErrAlreadyProcessed) {
		return err
	}
	return nil
}

func (s *SQLiteStore) ListByAddress(ctx context.Context, from string, page, pageSize int) ([]Claim, error) {
	if err := checkPage(page, pageSize); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteColumns+`
FROM claims
WHERE from_address = ?
ORDER BY seq DESC
LIMIT ? OFFSET ?
`, from, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Claim, 0, pageSize)
	for rows.Next() {
		c, err := scanSQLiteClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// conflict explains why a conditional update matched no rows.
func (s *SQLiteStore) conflict(ctx context.Context, key string) error {
	var (
		processed bool
		status    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT processed, status FROM claims WHERE tx_hash = ?`, key).Scan(&processed, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return rowConflict(key, processed, Status(status))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteClaim(row scanner) (*Claim, error) {
	var (
		c                  Claim
		seq                int64
		status             string
		payoutHash         sql.NullString
		sent, received     sql.NullString
		createdAt, updated int64
	)
	err := row.Scan(&seq, &c.TxHash, &c.From, &c.To, &c.Network, &c.Processed, &status, &c.LastError,
		&payoutHash, &sent, &received, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	c.Seq = uint64(seq)
	c.Status = Status(status)
	c.PayoutTxHash = payoutHash.String
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	if sent.Valid {
		if c.SentAmount, err = parseAmount(&sent.String); err != nil {
			return nil, err
		}
	}
	if received.Valid {
		if c.ReceivedAmount, err = parseAmount(&received.String); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

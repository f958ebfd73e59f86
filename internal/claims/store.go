package claims

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the visible lifecycle state of a claim. Only StatusProcessed is terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
	// StatusBroadcast holds a claim whose payout was signed and handed to the node but
	// not yet recorded as processed. Such a claim is never paid again.
	StatusBroadcast Status = "broadcast"
	StatusProcessed Status = "processed"
)

var (
	ErrNotFound         = errors.New("claim not found")
	ErrAlreadyProcessed = errors.New("claim already processed")
	ErrPayoutInFlight   = errors.New("claim has a payout awaiting its record")
	ErrInvalidPage      = errors.New("page and page size must be positive")
)

// Claim is one user-submitted deposit assertion keyed by the source transaction hash.
type Claim struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Network   string `json:"network"`
	Processed bool   `json:"processed"`
	Status    Status `json:"status"`
	LastError string `json:"lastError,omitempty"`

	PayoutTxHash   string   `json:"payoutTxHash,omitempty"`
	SentAmount     *big.Int `json:"sentAmount,omitempty"`
	ReceivedAmount *big.Int `json:"receivedAmount,omitempty"`

	// Seq orders claims by insertion; newer claims have larger values.
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Payout is the outcome written when a claim becomes processed.
type Payout struct {
	TxHash         string
	SentAmount     *big.Int
	ReceivedAmount *big.Int
}

// Store persists claims. Implementations must be safe for concurrent use.
type Store interface {
	// FindByHash returns nil, nil when no claim exists.
	FindByHash(ctx context.Context, txHash string) (*Claim, error)
	// InsertIfAbsent stores a new pending claim and reports whether it was created.
	InsertIfAbsent(ctx context.Context, claim Claim) (bool, error)
	// MarkBroadcast records the signed payout before it is sent. It fails with
	// ErrAlreadyProcessed or ErrPayoutInFlight when the claim cannot take a new payout.
	MarkBroadcast(ctx context.Context, txHash string, payout Payout) error
	// ReleasePayout drops a recorded payout the node rejected and reopens the claim.
	ReleasePayout(ctx context.Context, txHash string) error
	// MarkProcessed is a conditional write: it only succeeds when the claim is still unprocessed.
	MarkProcessed(ctx context.Context, txHash string, payout Payout) error
	// MarkFailed records the last validation or broadcast failure. Processed claims are left
	// untouched and a broadcast claim keeps its status.
	MarkFailed(ctx context.Context, txHash, reason string) error
	// ListByAddress pages through claims from an address, newest first. Pages are 1-indexed.
	ListByAddress(ctx context.Context, from string, page, pageSize int) ([]Claim, error)
}

// NormalizeHash gives the canonical key form of a transaction hash.
func NormalizeHash(txHash string) string {
	return strings.ToLower(strings.TrimSpace(txHash))
}

func rowConflict(key string, processed bool, status Status) error {
	switch {
	case processed:
		return ErrAlreadyProcessed
	case status == StatusBroadcast:
		return ErrPayoutInFlight
	default:
		return fmt.Errorf("claim %s: conditional update matched no rows", key)
	}
}

func checkPage(page, pageSize int) error {
	if page < 1 || pageSize < 1 {
		return ErrInvalidPage
	}
	return nil
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	seq  uint64
	data map[string]*Claim
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*Claim),
		now:  time.Now,
	}
}

func (m *MemoryStore) FindByHash(_ context.Context, txHash string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.data[NormalizeHash(txHash)]
	if !ok {
		return nil, nil
	}
	out := copyClaim(c)
	return &out, nil
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, claim Claim) (bool, error) {
	key := NormalizeHash(claim.TxHash)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.seq++
	now := m.now().UTC()
	claim.TxHash = key
	claim.Processed = false
	claim.Status = StatusPending
	claim.Seq = m.seq
	claim.CreatedAt = now
	claim.UpdatedAt = now
	claim.PayoutTxHash = ""
	claim.SentAmount = nil
	claim.ReceivedAmount = nil
	m.data[key] = &claim
	return true, nil
}

func (m *MemoryStore) MarkBroadcast(_ context.Context, txHash string, payout Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[NormalizeHash(txHash)]
	switch {
	case !ok:
		return ErrNotFound
	case c.Processed:
		return ErrAlreadyProcessed
	case c.Status == StatusBroadcast:
		return ErrPayoutInFlight
	}
	c.Status = StatusBroadcast
	c.PayoutTxHash = payout.TxHash
	c.SentAmount = new(big.Int).Set(payout.SentAmount)
	c.ReceivedAmount = new(big.Int).Set(payout.ReceivedAmount)
	c.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ReleasePayout(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[NormalizeHash(txHash)]
	switch {
	case !ok:
		return ErrNotFound
	case c.Processed:
		return ErrAlreadyProcessed
	case c.Status != StatusBroadcast:
		return nil
	}
	c.Status = StatusPending
	c.PayoutTxHash = ""
	c.SentAmount = nil
	c.ReceivedAmount = nil
	c.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, txHash string, payout Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[NormalizeHash(txHash)]
	if !ok {
		return ErrNotFound
	}
	if c.Processed {
		return ErrAlreadyProcessed
	}
	c.Processed = true
	c.Status = StatusProcessed
	c.LastError = ""
	c.PayoutTxHash = payout.TxHash
	c.SentAmount = new(big.Int).Set(payout.SentAmount)
	c.ReceivedAmount = new(big.Int).Set(payout.ReceivedAmount)
	c.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, txHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[NormalizeHash(txHash)]
	if !ok {
		return ErrNotFound
	}
	if c.Processed {
		return nil
	}
	if c.Status != StatusBroadcast {
		c.Status = StatusFailed
	}
	c.LastError = reason
	c.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) ListByAddress(_ context.Context, from string, page, pageSize int) ([]Claim, error) {
	if err := checkPage(page, pageSize); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := make([]Claim, 0)
	for _, c := range m.data {
		if c.From == from {
			matched = append(matched, copyClaim(c))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq > matched[j].Seq })

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []Claim{}, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

func copyClaim(c *Claim) Claim {
	out := *c
	if c.SentAmount != nil {
		out.SentAmount = new(big.Int).Set(c.SentAmount)
	}
	if c.ReceivedAmount != nil {
		out.ReceivedAmount = new(big.Int).Set(c.ReceivedAmount)
	}
	return out
}

package issuer

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/jonanatree/cyberbank/internal/cardgen"
	"github.com/jonanatree/cyberbank/issuer/models"
)

var ErrNotFound = fmt.Errorf("not found")

var ErrConflict = fmt.Errorf("conflict")

// Repository stores cards keyed by PAN hash. It is backed by postgres when
// built with NewPGRepository and by memory when built with NewRepository.
type Repository struct {
	mu     sync.RWMutex
	cards  map[string]*models.Card
	byHash map[string]string

	db      *sql.DB
	hashKey []byte
}

// NewRepository returns an in-memory repository with a random per-process pepper.
func NewRepository() *Repository {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("repository pepper: %v", err))
	}
	return &Repository{
		cards:   make(map[string]*models.Card),
		byHash:  make(map[string]string),
		hashKey: key,
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB, hashKey []byte) *Repository {
	return &Repository{db: db, hashKey: hashKey}
}

const cardColumns = `card_id, account_id, bin, last4, pan_hash, expiry_date, cardholder_name, product, status, created_at`

// CreateCard stores card under the hash of pan and fills card.PANHash.
func (r *Repository) CreateCard(ctx context.Context, card *models.Card, pan string) error {
	card.PANHash = cardgen.HashPANHMAC(pan, r.hashKey)
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		key := hex.EncodeToString(card.PANHash)
		if _, ok := r.byHash[key]; ok {
			return fmt.Errorf("card number exists: %w", ErrConflict)
		}
		if _, ok := r.cards[card.ID]; ok {
			return fmt.Errorf("card id exists: %w", ErrConflict)
		}
		c := *card
		r.cards[card.ID] = &c
		r.byHash[key] = card.ID
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO issuer.cards(`+cardColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    `, card.ID, card.AccountID, card.BIN, card.Last4, card.PANHash, card.ExpiryDate,
		card.CardholderName, card.Product, string(card.Status), card.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("card number exists: %w", ErrConflict)
	}
	return err
}

// ExistsCardNumber reports whether a PAN already exists.
func (r *Repository) ExistsCardNumber(ctx context.Context, pan string) (bool, error) {
	hash := cardgen.HashPANHMAC(pan, r.hashKey)
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		_, ok := r.byHash[hex.EncodeToString(hash)]
		return ok, nil
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issuer.cards WHERE pan_hash=$1)`, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) GetCard(ctx context.Context, cardID string) (*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		c, ok := r.cards[cardID]
		if !ok {
			return nil, ErrNotFound
		}
		out := *c
		return &out, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM issuer.cards WHERE card_id=$1`, cardID)
	return scanCard(row)
}

// FindCardByNumber looks a card up by the hash of pan.
func (r *Repository) FindCardByNumber(ctx context.Context, pan string) (*models.Card, error) {
	hash := cardgen.HashPANHMAC(pan, r.hashKey)
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		id, ok := r.byHash[hex.EncodeToString(hash)]
		if !ok {
			return nil, ErrNotFound
		}
		out := *r.cards[id]
		return &out, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM issuer.cards WHERE pan_hash=$1`, hash)
	return scanCard(row)
}

// UpdateStatus sets the card status and returns the updated card.
func (r *Repository) UpdateStatus(ctx context.Context, cardID string, status models.CardStatus) (*models.Card, error) {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		c, ok := r.cards[cardID]
		if !ok {
			return nil, ErrNotFound
		}
		c.Status = status
		out := *c
		return &out, nil
	}
	row := r.db.QueryRowContext(ctx, `
        UPDATE issuer.cards SET status=$2, updated_at=now()
         WHERE card_id=$1
        RETURNING `+cardColumns, cardID, string(status))
	return scanCard(row)
}

// ListReissueCandidates returns active cards expiring on or before until,
// soonest first.
func (r *Repository) ListReissueCandidates(ctx context.Context, until time.Time) ([]*models.Card, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []*models.Card
		for _, c := range r.cards {
			if c.Status == models.CardStatusActive && !c.ExpiryDate.After(until) {
				cc := *c
				out = append(out, &cc)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+cardColumns+` FROM issuer.cards
         WHERE status='ACTIVE' AND expiry_date <= $1
         ORDER BY expiry_date ASC
    `, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping returns DB readiness
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	var c models.Card
	var status string
	err := row.Scan(&c.ID, &c.AccountID, &c.BIN, &c.Last4, &c.PANHash, &c.ExpiryDate,
		&c.CardholderName, &c.Product, &status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = models.CardStatus(status)
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agripay/backend/internal/models"
	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
)

const (
	intentsBucket  = "payment_intents"
	checkoutBucket = "checkout_index"
)

// BoltStore keeps payment intents in a single BoltDB file. Bolt serializes
// read-write transactions, so every status check-and-write is atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database file at path and ensures its buckets exist
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{intentsBucket, checkoutBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Create inserts a new pending intent
func (s *BoltStore) Create(ctx context.Context, in NewIntent) (*models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateNewIntent(in); err != nil {
		return nil, err
	}
	intent := newIntent(in, s.now())
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putIntent(tx, intent)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return intent, nil
}

// AttachProviderIDs records the provider ids and moves the intent to processing
func (s *BoltStore) AttachProviderIDs(ctx context.Context, localID uuid.UUID, checkoutID, merchantRequestID string, response models.JSON) (*models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: empty checkout id", ErrInvalidTransition)
	}

	var out *models.PaymentIntent
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(checkoutBucket)).Get([]byte(checkoutID)) != nil {
			return ErrAlreadyAttached
		}
		intent, err := getIntent(tx, localID)
		if err != nil {
			return err
		}
		if err := applyAttach(intent, checkoutID, merchantRequestID, response, s.now()); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(checkoutBucket)).Put([]byte(checkoutID), []byte(localID.String())); err != nil {
			return err
		}
		out = intent
		return putIntent(tx, intent)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkTerminal settles the intent addressed by checkoutID if it is not terminal yet
func (s *BoltStore) MarkTerminal(ctx context.Context, checkoutID string, u TerminalUpdate) (*models.PaymentIntent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !u.Status.IsTerminal() {
		return nil, false, ErrInvalidTransition
	}

	var (
		out     *models.PaymentIntent
		applied bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		intent, err := getIntentByCheckout(tx, checkoutID)
		if err != nil {
			return err
		}
		out = intent
		applied = applyTerminal(intent, u, s.now())
		if !applied {
			return nil
		}
		return putIntent(tx, intent)
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// FailPending marks an intent failed when the provider never acknowledged the push
func (s *BoltStore) FailPending(ctx context.Context, localID uuid.UUID, reason string) (*models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *models.PaymentIntent
	err := s.db.Update(func(tx *bolt.Tx) error {
		intent, err := getIntent(tx, localID)
		if err != nil {
			return err
		}
		out = intent
		if intent.Status.IsTerminal() {
			return nil
		}
		if intent.Status != models.IntentStatusPending {
			return ErrInvalidTransition
		}
		applyTerminal(intent, TerminalUpdate{Status: models.IntentStatusFailed, ResultDesc: reason}, s.now())
		return putIntent(tx, intent)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Find returns the intent with the given provider checkout id
func (s *BoltStore) Find(ctx context.Context, checkoutID string) (*models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.PaymentIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		intent, err := getIntentByCheckout(tx, checkoutID)
		out = intent
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindByID returns the intent with the given local id
func (s *BoltStore) FindByID(ctx context.Context, localID uuid.UUID) (*models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.PaymentIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		intent, err := getIntent(tx, localID)
		out = intent
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListProcessingBefore returns processing intents created before cutoff, oldest first.
// Bolt has no secondary index on status, so this is a full scan.
func (s *BoltStore) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.PaymentIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(intentsBucket)).ForEach(func(k, v []byte) error {
			var intent models.PaymentIntent
			if err := json.Unmarshal(v, &intent); err != nil {
				return err
			}
			if intent.Status == models.IntentStatusProcessing && intent.CreatedAt.Before(cutoff) {
				out = append(out, intent)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list processing intents: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func putIntent(tx *bolt.Tx, intent *models.PaymentIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(intentsBucket)).Put([]byte(intent.ID.String()), data)
}

func getIntent(tx *bolt.Tx, id uuid.UUID) (*models.PaymentIntent, error) {
	v := tx.Bucket([]byte(intentsBucket)).Get([]byte(id.String()))
	if v == nil {
		return nil, ErrNotFound
	}
	var intent models.PaymentIntent
	if err := json.Unmarshal(v, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func getIntentByCheckout(tx *bolt.Tx, checkoutID string) (*models.PaymentIntent, error) {
	v := tx.Bucket([]byte(checkoutBucket)).Get([]byte(checkoutID))
	if v == nil {
		return nil, ErrNotFound
	}
	id, err := uuid.ParseBytes(v)
	if err != nil {
		return nil, err
	}
	return getIntent(tx, id)
}

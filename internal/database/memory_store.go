package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agripay/backend/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps payment intents in process memory. It is meant for local
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu         sync.Mutex
	intents    map[uuid.UUID]*models.PaymentIntent
	byCheckout map[string]uuid.UUID
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory intent store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[uuid.UUID]*models.PaymentIntent),
		byCheckout: make(map[string]uuid.UUID),
		now:        time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, in NewIntent) (*models.PaymentIntent, error) {
	if err := validateNewIntent(in); err != nil {
		return nil, err
	}
	intent := newIntent(in, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.ID] = intent
	return clone(intent), nil
}

func (s *MemoryStore) AttachProviderIDs(ctx context.Context, localID uuid.UUID, checkoutID, merchantRequestID string, response models.JSON) (*models.PaymentIntent, error) {
	if checkoutID == "" {
		return nil, fmt.Errorf("%w: empty checkout id", ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byCheckout[checkoutID]; taken {
		return nil, ErrAlreadyAttached
	}
	intent, ok := s.intents[localID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyAttach(intent, checkoutID, merchantRequestID, response, s.now()); err != nil {
		return nil, err
	}
	s.byCheckout[checkoutID] = localID
	return clone(intent), nil
}

func (s *MemoryStore) MarkTerminal(ctx context.Context, checkoutID string, u TerminalUpdate) (*models.PaymentIntent, bool, error) {
	if !u.Status.IsTerminal() {
		return nil, false, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCheckout[checkoutID]
	if !ok {
		return nil, false, ErrNotFound
	}
	intent := s.intents[id]
	applied := applyTerminal(intent, u, s.now())
	return clone(intent), applied, nil
}

func (s *MemoryStore) FailPending(ctx context.Context, localID uuid.UUID, reason string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[localID]
	if !ok {
		return nil, ErrNotFound
	}
	if intent.Status.IsTerminal() {
		return clone(intent), nil
	}
	if intent.Status != models.IntentStatusPending {
		return nil, ErrInvalidTransition
	}
	applyTerminal(intent, TerminalUpdate{Status: models.IntentStatusFailed, ResultDesc: reason}, s.now())
	return clone(intent), nil
}

func (s *MemoryStore) Find(ctx context.Context, checkoutID string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCheckout[checkoutID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.intents[id]), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, localID uuid.UUID) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(intent), nil
}

func (s *MemoryStore) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	s.mu.Lock()
	var out []models.PaymentIntent
	for _, intent := range s.intents {
		if intent.Status == models.IntentStatusProcessing && intent.CreatedAt.Before(cutoff) {
			out = append(out, *intent)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(p *models.PaymentIntent) *models.PaymentIntent {
	c := *p
	return &c
}

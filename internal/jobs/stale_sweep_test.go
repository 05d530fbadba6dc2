package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/agripay/backend/internal/database"
	"github.com/agripay/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestStaleSweep_ExpiresListedIntents(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	old := attachIntent(t, store, "ws_CO_old")
	fresh := attachIntent(t, store, "ws_CO_fresh")
	require.NotEqual(t, old.ID, fresh.ID)

	svc := new(MockReconciler)
	svc.On("Expire", mock.Anything, "ws_CO_old").Return(&models.PaymentIntent{Status: models.IntentStatusCancelled}, nil).Once()

	sweep := NewStaleSweep(&cutoffLister{store: store, only: "ws_CO_old"}, svc, testReconcileConfig)

	settled, err := sweep.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "Expire", mock.Anything, "ws_CO_fresh")
}

func TestStaleSweep_UsesHorizonCutoff(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	lister := &recordingLister{}
	sweep := NewStaleSweep(lister, new(MockReconciler), testReconcileConfig)
	sweep.now = func() time.Time { return now }

	settled, err := sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, now.Add(-5*time.Minute), lister.cutoff)
	assert.Equal(t, sweepBatchSize, lister.limit)
}

func TestStaleSweep_StartAndStop(t *testing.T) {
	sweep := NewStaleSweep(&recordingLister{}, new(MockReconciler), testReconcileConfig)
	require.NoError(t, sweep.Start())
	sweep.Stop()
}

func attachIntent(t *testing.T, store *database.MemoryStore, checkoutID string) *models.PaymentIntent {
	ctx := context.Background()
	intent, err := store.Create(ctx, database.NewIntent{PhoneNumber: "254712345678", Amount: 100})
	require.NoError(t, err)
	intent, err = store.AttachProviderIDs(ctx, intent.ID, checkoutID, "mr", nil)
	require.NoError(t, err)
	return intent
}

// cutoffLister returns the processing intents of store, restricted to one checkout id
type cutoffLister struct {
	store *database.MemoryStore
	only  string
}

func (l *cutoffLister) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	all, err := l.store.ListProcessingBefore(ctx, time.Now().Add(time.Hour), limit)
	if err != nil {
		return nil, err
	}
	var out []models.PaymentIntent
	for _, intent := range all {
		if intent.CheckoutID() == l.only {
			out = append(out, intent)
		}
	}
	return out, nil
}

type recordingLister struct {
	cutoff time.Time
	limit  int
}

func (l *recordingLister) ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentIntent, error) {
	l.cutoff = cutoff
	l.limit = limit
	return nil, nil
}

package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/teletherapy-api/internal/config"
	"github.com/jwalitptl/teletherapy-api/internal/model"
	"github.com/jwalitptl/teletherapy-api/internal/repository"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
)

func testStore(t *testing.T) *CallStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := NewClient(context.Background(), config.FirebaseConfig{ProjectID: "demo-teletherapy"})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewCallStore(client, logger.Nop())
}

func newCall() *model.CallDocument {
	id := "call_" + uuid.NewString()[:8]
	return &model.CallDocument{
		ID:          id,
		CallerID:    "caller-" + id,
		ReceiverID:  "receiver-" + id,
		ChannelName: id,
		Status:      model.CallStatusPending,
		Type:        model.CallTypeInstant,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCallStoreTransactions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	call := newCall()

	require.NoError(t, store.Create(ctx, call))
	assert.ErrorIs(t, store.Create(ctx, call), repository.ErrAlreadyExists)

	_, err := store.Get(ctx, "missing-"+call.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	declined, err := store.Update(ctx, call.ID, func(doc *model.CallDocument) error {
		return doc.Transition(model.CallStatusDeclined, time.Now())
	})
	require.NoError(t, err)
	assert.NotNil(t, declined.EndedAt)

	_, err = store.Update(ctx, call.ID, func(doc *model.CallDocument) error {
		return doc.Transition(model.CallStatusAccepted, time.Now())
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCallStoreIncomingListener(t *testing.T) {
	store := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	call := newCall()
	require.NoError(t, store.Create(ctx, call))

	changes, err := store.WatchIncoming(ctx, call.ReceiverID)
	require.NoError(t, err)

	change := <-changes
	require.NoError(t, change.Err)
	assert.Equal(t, model.CallChangeAdded, change.Change.Kind)

	_, err = store.Update(ctx, call.ID, func(doc *model.CallDocument) error {
		return doc.Transition(model.CallStatusMissed, time.Now())
	})
	require.NoError(t, err)

	change = <-changes
	require.NoError(t, change.Err)
	assert.Equal(t, model.CallChangeRemoved, change.Change.Kind)
	assert.Equal(t, model.CallStatusMissed, change.Change.Call.Status)
}

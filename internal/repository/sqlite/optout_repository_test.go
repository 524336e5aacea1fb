package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/config"
	"github.com/acme/lead-delivery/internal/infra/db"
	"github.com/acme/lead-delivery/internal/repository"
)

func newRepo(t *testing.T) *OptOutRepository {
	t.Helper()
	ctx := context.Background()
	store, err := db.NewSQLite(ctx, config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "leads.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	repo, err := NewOptOutRepository(ctx, store.DB())
	require.NoError(t, err)
	return repo
}

func TestOptOutLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newRepo(t)
	const phone = "+4915112345678"

	status, err := repo.OptOutStatus(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, compliance.Status{}, status)

	require.NoError(t, repo.UpsertLead(ctx, phone, "Max"))
	status, err = repo.OptOutStatus(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, compliance.Status{LeadExists: true}, status)

	event, err := repo.MarkOptedOut(ctx, phone, repository.OptOutRequest{Channel: "whatsapp", Keyword: "STOP"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", event.Channel)
	assert.Equal(t, "STOP", event.KeywordUsed)
	assert.NotZero(t, event.LeadID)
	assert.False(t, event.CreatedAt.IsZero())

	status, err = repo.OptOutStatus(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, compliance.Status{OptedOut: true, LeadExists: true}, status)

	// Re-registering keeps the opt-out.
	require.NoError(t, repo.UpsertLead(ctx, phone, "Max Mustermann"))
	status, err = repo.OptOutStatus(ctx, phone)
	require.NoError(t, err)
	assert.True(t, status.OptedOut)
}

func TestMarkOptedOutUnknownLead(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	_, err := repo.MarkOptedOut(context.Background(), "+4915100000000", repository.OptOutRequest{Channel: "sms"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGateOverSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(t, repo.UpsertLead(ctx, "+4915112345678", ""))
	_, err := repo.MarkOptedOut(ctx, "+4915112345678", repository.OptOutRequest{Channel: "sms", Keyword: "STOPP"})
	require.NoError(t, err)

	gate := compliance.NewGate(repo)
	for i := 0; i < 3; i++ {
		st, err := gate.CheckOptOut(ctx, "+4915112345678")
		require.NoError(t, err)
		assert.True(t, st.OptedOut)
	}
}

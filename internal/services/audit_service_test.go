package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/models"
)

func testEntry(eventType string) AuditEntry {
	return AuditEntry{
		EventType: eventType,
		IPAddress: "203.0.113.10",
		UserAgent: "test-agent",
		Success:   true,
		Details:   models.AuditDetails{"k": "v"},
	}
}

func TestRecord_PersistsBeforeBroadcast(t *testing.T) {
	repo := &mockAuditRepo{}
	svc, _ := newTestAuditService(repo)

	sub := svc.Subscribe()
	defer sub.Close()

	err := svc.Record(context.Background(), testEntry(models.AuditEventLoginSuccess))
	require.NoError(t, err)

	// The durable copy exists.
	assert.Equal(t, []string{models.AuditEventLoginSuccess}, repo.eventTypes())

	// The live copy carries the persisted row's identity.
	select {
	case got := <-sub.Events():
		assert.Equal(t, models.AuditEventLoginSuccess, got.EventType)
		assert.NotEqual(t, uuid.Nil, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestRecord_WorksWithoutSubscribers(t *testing.T) {
	repo := &mockAuditRepo{}
	svc, _ := newTestAuditService(repo)

	err := svc.Record(context.Background(), testEntry(models.AuditEventLogout))

	require.NoError(t, err)
	assert.Len(t, repo.eventTypes(), 1)
}

func TestRecord_StorageDownReturnsUnavailable(t *testing.T) {
	repo := &mockAuditRepo{
		CreateFunc: func(context.Context, *models.AuditLog) (*models.AuditLog, error) {
			return nil, assert.AnError
		},
	}
	svc, _ := newTestAuditService(repo)

	sub := svc.Subscribe()
	defer sub.Close()

	err := svc.Record(context.Background(), testEntry(models.AuditEventLoginSuccess))

	assert.ErrorIs(t, err, models.ErrStorageUnavailable)

	// Nothing may reach the feed that storage never saw.
	select {
	case got := <-sub.Events():
		t.Fatalf("unexpected broadcast of unpersisted event %q", got.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecord_RetriesTransientFailure(t *testing.T) {
	var attempts int
	repo := &mockAuditRepo{}
	repo.CreateFunc = func(_ context.Context, entry *models.AuditLog) (*models.AuditLog, error) {
		attempts++
		if attempts < 3 {
			return nil, assert.AnError
		}
		return entry, nil
	}
	svc, _ := newTestAuditService(repo)

	err := svc.Record(context.Background(), testEntry(models.AuditEventTokenRefreshed))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRecord_RespectsContextDuringBackoff(t *testing.T) {
	repo := &mockAuditRepo{
		CreateFunc: func(context.Context, *models.AuditLog) (*models.AuditLog, error) {
			return nil, assert.AnError
		},
	}
	svc, _ := newTestAuditService(repo)
	svc.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Record(ctx, testEntry(models.AuditEventLoginSuccess))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrStorageUnavailable)
	case <-time.After(time.Second):
		t.Fatal("Record must abort its backoff when the context is cancelled")
	}
}

func TestQuery_ReturnsPageAndTotal(t *testing.T) {
	repo := &mockAuditRepo{}
	svc, _ := newTestAuditService(repo)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(context.Background(), testEntry(models.AuditEventLoginFailed)))
	}

	entries, total, err := svc.Query(context.Background(), models.AuditFilter{Limit: 10})

	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, int64(3), total)
}

func TestExport_StreamsAllRows(t *testing.T) {
	repo := &mockAuditRepo{}
	svc, _ := newTestAuditService(repo)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(context.Background(), testEntry(models.AuditEventLogout)))
	}

	var streamed int
	err := svc.Export(context.Background(), models.AuditFilter{}, func(*models.AuditLog) error {
		streamed++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 5, streamed)
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/models"
)

type mockUserCounter struct {
	count int64
}

func (m *mockUserCounter) Count(context.Context) (int64, error) { return m.count, nil }

type mockSessionCounter struct {
	active int64
}

func (m *mockSessionCounter) CountActive(context.Context) (int64, error) { return m.active, nil }

func TestMetrics_AggregatesCounters(t *testing.T) {
	repo := &mockAuditRepo{}
	var queried [][]string
	repo.CountSinceFunc = func(_ context.Context, eventTypes []string, since time.Time) (int64, error) {
		queried = append(queried, eventTypes)
		assert.WithinDuration(t, time.Now().Add(-24*time.Hour), since, time.Minute)
		return int64(len(eventTypes)), nil
	}
	audit, broadcaster := newTestAuditService(repo)

	svc := NewAdminService(&mockUserCounter{count: 42}, &mockSessionCounter{active: 7}, audit, broadcaster)

	metrics, err := svc.Metrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(42), metrics.TotalUsers)
	assert.Equal(t, int64(7), metrics.ActiveSessions)
	assert.Equal(t, 0, metrics.LiveSubscribers)

	// Failed logins and suspicious events each span more than one event
	// type; the counts above reflect the slice lengths handed to the repo.
	require.Len(t, queried, 2)
	assert.ElementsMatch(t, []string{models.AuditEventLoginFailed, models.AuditEventLoginDenied}, queried[0])
	assert.ElementsMatch(t, []string{models.AuditEventTokenReuse, models.AuditEventCloneDetected}, queried[1])
	assert.Equal(t, int64(2), metrics.FailedLogins24h)
	assert.Equal(t, int64(2), metrics.Suspicious24h)
}

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thanush-07/aegis/internal/models"
	"github.com/Thanush-07/aegis/internal/services"
)

func testAuditHandler(svc AuditServiceInterface) *AuditHandler {
	return NewAuditHandler(svc, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func auditRow(eventType string) *models.AuditLog {
	return &models.AuditLog{
		ID:        uuid.New(),
		EventType: eventType,
		CreatedAt: time.Now().UTC(),
		Details:   models.AuditDetails{},
	}
}

func TestAuditHandler_List_DefaultsPagination(t *testing.T) {
	var got models.AuditFilter
	svc := &mockAuditQueryService{
		QueryFunc: func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error) {
			got = filter
			return []*models.AuditLog{auditRow(models.AuditEventLoginSuccess)}, 1, nil
		},
	}
	handler := testAuditHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	rec := httptest.NewRecorder()

	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultPageSize, got.Limit)
	assert.Equal(t, 0, got.Offset)

	var page AuditPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Entries, 1)
}

func TestAuditHandler_List_ParsesFilter(t *testing.T) {
	userID := uuid.New()
	var got models.AuditFilter
	svc := &mockAuditQueryService{
		QueryFunc: func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error) {
			got = filter
			return nil, 0, nil
		},
	}
	handler := testAuditHandler(svc)

	target := fmt.Sprintf(
		"/api/v1/admin/audit?event_type=login_failed&user_id=%s&from=2026-08-01T00:00:00Z&limit=25&offset=50",
		userID)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()

	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login_failed", got.EventType)
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
	require.NotNil(t, got.From)
	assert.Equal(t, 25, got.Limit)
	assert.Equal(t, 50, got.Offset)
}

func TestAuditHandler_List_ClampsOversizedLimit(t *testing.T) {
	var got models.AuditFilter
	svc := &mockAuditQueryService{
		QueryFunc: func(ctx context.Context, filter models.AuditFilter) ([]*models.AuditLog, int64, error) {
			got = filter
			return nil, 0, nil
		},
	}
	handler := testAuditHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit?limit=100000", nil)
	rec := httptest.NewRecorder()

	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxPageSize, got.Limit)
}

func TestAuditHandler_List_RejectsBadFilter(t *testing.T) {
	handler := testAuditHandler(&mockAuditQueryService{})

	for _, target := range []string{
		"/api/v1/admin/audit?user_id=not-a-uuid",
		"/api/v1/admin/audit?from=yesterday",
		"/api/v1/admin/audit?limit=0",
		"/api/v1/admin/audit?offset=-5",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()

		handler.List(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestAuditHandler_Export_StreamsNDJSON(t *testing.T) {
	rows := []*models.AuditLog{
		auditRow(models.AuditEventLoginSuccess),
		auditRow(models.AuditEventLogout),
		auditRow(models.AuditEventTokenReuse),
	}
	svc := &mockAuditQueryService{
		ExportFunc: func(ctx context.Context, filter models.AuditFilter, fn func(*models.AuditLog) error) error {
			// Pagination must not bound an export
			assert.Zero(t, filter.Limit)
			assert.Zero(t, filter.Offset)
			for _, row := range rows {
				if err := fn(row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	handler := testAuditHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit/export?limit=1", nil)
	rec := httptest.NewRecorder()

	handler.Export(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var lines int
	for scanner.Scan() {
		var entry models.AuditLog
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.Equal(t, rows[lines].EventType, entry.EventType)
		lines++
	}
	assert.Equal(t, len(rows), lines)
}

func TestAuditHandler_Feed_DeliversLiveEvents(t *testing.T) {
	broadcaster := services.NewBroadcaster(16)
	svc := &mockAuditQueryService{
		SubscribeFunc: broadcaster.Subscribe,
	}
	handler := testAuditHandler(svc)

	server := httptest.NewServer(http.HandlerFunc(handler.Feed))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/admin/audit/feed"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Wait for the subscription to land before publishing
	require.Eventually(t, func() bool {
		return broadcaster.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	broadcaster.Publish(auditRow(models.AuditEventLoginSuccess))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var entry models.AuditLog
	require.NoError(t, conn.ReadJSON(&entry))
	assert.Equal(t, models.AuditEventLoginSuccess, entry.EventType)
}

func TestAuditHandler_Feed_RejectsDisallowedOrigin(t *testing.T) {
	broadcaster := services.NewBroadcaster(16)
	svc := &mockAuditQueryService{SubscribeFunc: broadcaster.Subscribe}
	handler := NewAuditHandler(svc, []string{"https://ops.example.com"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	server := httptest.NewServer(http.HandlerFunc(handler.Feed))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/admin/audit/feed"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuditHandler_Feed_UnsubscribesOnDisconnect(t *testing.T) {
	broadcaster := services.NewBroadcaster(16)
	svc := &mockAuditQueryService{SubscribeFunc: broadcaster.Subscribe}
	handler := testAuditHandler(svc)

	server := httptest.NewServer(http.HandlerFunc(handler.Feed))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/admin/audit/feed"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return broadcaster.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return broadcaster.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

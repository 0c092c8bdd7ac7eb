package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, deps map[string]Pinger) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := NewServer(Options{
		Queue:          queue.NewRedisQueue(client, "broadcasts"),
		Dependencies:   deps,
		AllowedOrigins: []string{"https://app.example.com"},
		Logger:         logger.NewTestLogger(t),
		Version:        "test",
	})
	srv.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return srv, mr
}

func dispatchBody(extra map[string]interface{}) []byte {
	body := map[string]interface{}{
		"broadcastId":  42,
		"templateName": "spring_sale",
		"templateData": map[string]interface{}{"language": "en_US"},
		"lineId":       "1098765",
		"apiBaseUrl":   "https://graph.facebook.com/v19.0/1098765",
		"authHeaders":  map[string]string{"Authorization": "Bearer token"},
		"recipients":   []map[string]string{{"name": "Asha", "phone": "8123456789"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return raw
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	srv, _ := setupServer(t, map[string]Pinger{
		"redis":    PingerFunc(func(ctx context.Context) error { return nil }),
		"postgres": PingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"checks":{"redis":"ok","postgres":"connection refused"}}`, rec.Body.String())
}

func TestDispatch_QueuesImmediateTask(t *testing.T) {
	srv, mr := setupServer(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewReader(dispatchBody(nil)))
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp dispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, int64(42), resp.BroadcastID)
	assert.Nil(t, resp.ScheduledAt)

	ready, err := mr.List("broadcasts:ready")
	require.NoError(t, err)
	require.Len(t, ready, 1)

	var task queue.Task
	require.NoError(t, json.Unmarshal([]byte(ready[0]), &task))
	assert.Equal(t, "broadcast-dispatch", task.Type)
	assert.Contains(t, string(task.Payload), `"templateName":"spring_sale"`)
}

func TestDispatch_FutureScheduleIsDelayed(t *testing.T) {
	srv, mr := setupServer(t, nil)
	rec := httptest.NewRecorder()
	body := dispatchBody(map[string]interface{}{"scheduledAt": "2026-03-02T12:00:00Z"})
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.False(t, mr.Exists("broadcasts:ready"))

	members, err := mr.ZMembers("broadcasts:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestDispatch_ValidationFailure(t *testing.T) {
	srv, mr := setupServer(t, nil)
	rec := httptest.NewRecorder()
	body := dispatchBody(map[string]interface{}{"apiBaseUrl": "ftp://nope", "unexpected": true})
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")
	assert.Contains(t, rec.Body.String(), "unexpected")
	assert.False(t, mr.Exists("broadcasts:ready"))
}

func TestDispatch_Credentials(t *testing.T) {
	tests := []struct {
		name     string
		drop     []string
		extra    map[string]interface{}
		wantCode int
	}{
		{name: "line id and access token", drop: []string{"apiBaseUrl", "authHeaders"}, extra: map[string]interface{}{"accessToken": "EAAG-line-token"}, wantCode: http.StatusAccepted},
		{name: "neither base url nor token", drop: []string{"apiBaseUrl", "authHeaders"}, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, mr := setupServer(t, nil)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(dispatchBody(tt.extra), &body))
			for _, k := range tt.drop {
				delete(body, k)
			}
			raw, err := json.Marshal(body)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewReader(raw)))

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode == http.StatusAccepted, mr.Exists("broadcasts:ready"))
		})
	}
}

func TestDispatch_MalformedBody(t *testing.T) {
	srv, _ := setupServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewBufferString("{")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INPUT_PARSING_FAILED")
}

type downQueue struct{}

func (downQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}

func (downQueue) EnqueueAt(ctx context.Context, taskType string, payload interface{}, at time.Time) (string, error) {
	return "", errors.New("dial tcp: connection refused")
}

func (downQueue) Depth(ctx context.Context) (queue.Depth, error) {
	return queue.Depth{}, errors.New("dial tcp: connection refused")
}

func TestDispatch_QueueUnavailable(t *testing.T) {
	srv := NewServer(Options{Queue: downQueue{}, Logger: logger.NewTestLogger(t)})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/broadcasts/dispatch", bytes.NewReader(dispatchBody(nil))))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueDepth(t *testing.T) {
	srv, mr := setupServer(t, nil)
	mr.Lpush("broadcasts:ready", "x")
	mr.Lpush("broadcasts:dead", "y")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/depth", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var depth queue.Depth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depth))
	assert.Equal(t, int64(1), depth.Ready)
	assert.Equal(t, int64(1), depth.Dead)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/broadcasts/dispatch", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

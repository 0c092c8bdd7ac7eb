// test/e2e/dispatch_test.go
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-broadcast-workers/internal/api"
	httpclient "wa-broadcast-workers/internal/common/http"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/queue"
	"wa-broadcast-workers/internal/store"
	dispatch "wa-broadcast-workers/internal/workers/broadcast/dispatch-broadcast"
)

var jobColumns = []string{
	"id", "user_id", "name", "type", "template", "contacts", "success", "failed",
	"status", "scheduled_time", "task_id", "recurrence", "created_at", "updated_at",
}

// fakeGraphAPI accepts the first number and rejects everything else with a Cloud API error.
func fakeGraphAPI(t *testing.T, accepted string) (*httptest.Server, *[]whatsapp.Payload) {
	var (
		mu       sync.Mutex
		received []whatsapp.Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/1098765/messages", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		raw, _ := io.ReadAll(r.Body)
		var p whatsapp.Payload
		assert.NoError(t, json.Unmarshal(raw, &p))
		mu.Lock()
		received = append(received, p)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if p.To == accepted {
			_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"` + p.To + `","wa_id":"` + p.To + `"}],"messages":[{"id":"wamid.OK1"}]}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"(#131026) Message undeliverable","type":"OAuthException","code":131026,"fbtrace_id":"A1"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestDispatchPipeline(t *testing.T) {
	log := logger.NewTestLogger(t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	taskQueue := queue.NewRedisQueue(rdb, "broadcasts")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	graph, received := fakeGraphAPI(t, "918123456789")

	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, .* FROM "BroadcastList"`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(
			int64(42), int64(7), "March promo", "template", "spring_sale",
			`{"Asha:8123456789","Ravi:8123456790"}`, 0, 0,
			models.BroadcastStatusPending, nil, "", nil, created, created,
		))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "BroadcastAnalysis"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO conversations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM "BroadcastList" WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE "BroadcastList" SET success`).
		WithArgs(1, 1, models.BroadcastStatusPartiallySuccessful, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cfg := dispatch.DefaultConfig()
	cfg.RateInterval = 0
	cfg.APIBaseURL = graph.URL
	gateway := store.NewPostgresGateway(db)
	service := dispatch.NewService(dispatch.ServiceDependencies{
		Logger:  log,
		Gateway: gateway,
		Sender:  whatsapp.NewClient(httpclient.NewClient(5 * time.Second)),
	}, cfg)
	handler, err := dispatch.NewHandler(dispatch.HandlerOptions{
		CustomConfig: cfg,
		Logger:       log,
		Service:      service,
		Queue:        taskQueue,
		Schedules:    gateway,
	})
	require.NoError(t, err)

	results := make(chan error, 1)
	pool := queue.NewPool(taskQueue, func(ctx context.Context, task *queue.Task) error {
		err := handler.HandleTask(ctx, task)
		select {
		case results <- err:
		default:
		}
		return err
	}, queue.PoolConfig{Workers: 1, PollTimeout: time.Second, PromoteInterval: 50 * time.Millisecond}, log)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	apiServer := httptest.NewServer(api.NewServer(api.Options{Queue: taskQueue, Logger: log}).Router())
	t.Cleanup(apiServer.Close)

	body, err := json.Marshal(map[string]interface{}{
		"broadcastId":  42,
		"templateName": "spring_sale",
		"templateData": `{"language":"en_US","name":"spring_sale"}`,
		"lineId":       "1098765",
		"accessToken":  "token",
	})
	require.NoError(t, err)

	resp, err := http.Post(apiServer.URL+"/api/v1/broadcasts/dispatch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch task was not processed")
	}

	assert.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, *received, 2)
	assert.Equal(t, "918123456789", (*received)[0].To)
	assert.Equal(t, "en_US", (*received)[0].Template.Language.Code)
	assert.Equal(t, "918123456790", (*received)[1].To)

	require.Eventually(t, func() bool { return !mr.Exists("broadcasts:processing") }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, mr.Exists("broadcasts:dead"))
}

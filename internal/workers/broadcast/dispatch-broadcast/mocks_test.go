package dispatchbroadcast

import (
	"context"
	"time"

	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/store"

	"github.com/stretchr/testify/mock"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Acquire(ctx context.Context) (store.Session, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSession struct {
	mock.Mock
}

func (m *mockSession) GetJob(ctx context.Context, id int64) (*models.BroadcastJob, error) {
	args := m.Called(ctx, id)
	if j := args.Get(0); j != nil {
		return j.(*models.BroadcastJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSession) CommitOutcomesAndLog(ctx context.Context, jobID int64, outcomes []models.DeliveryOutcome, entries []models.ConversationEntry) error {
	return m.Called(ctx, jobID, outcomes, entries).Error(0)
}

func (m *mockSession) ReconcileJobStatus(ctx context.Context, jobID int64, success, failed int, status string) error {
	return m.Called(ctx, jobID, success, failed, status).Error(0)
}

func (m *mockSession) Release() error {
	return m.Called().Error(0)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, payload *whatsapp.Payload, endpoint string, headers map[string]string) (whatsapp.DeliveryResult, error) {
	args := m.Called(ctx, payload, endpoint, headers)
	if r := args.Get(0); r != nil {
		return r.(whatsapp.DeliveryResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockIndexer struct {
	mock.Mock
}

func (m *mockIndexer) IndexEntries(ctx context.Context, broadcastID int64, entries []models.ConversationEntry) error {
	return m.Called(ctx, broadcastID, entries).Error(0)
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Next(rec models.Recurrence) (time.Time, error) {
	args := m.Called(rec)
	return args.Get(0).(time.Time), args.Error(1)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) EnqueueAt(ctx context.Context, taskType string, payload interface{}, at time.Time) (string, error) {
	args := m.Called(ctx, taskType, payload, at)
	return args.String(0), args.Error(1)
}

type mockSchedules struct {
	mock.Mock
}

func (m *mockSchedules) UpdateSchedule(ctx context.Context, jobID int64, next time.Time, taskID string) error {
	return m.Called(ctx, jobID, next, taskID).Error(0)
}

// toPhone matches a payload addressed to the given number.
func toPhone(phone string) interface{} {
	return mock.MatchedBy(func(p *whatsapp.Payload) bool { return p.To == phone })
}

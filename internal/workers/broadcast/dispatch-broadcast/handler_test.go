package dispatchbroadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"wa-broadcast-workers/internal/common/config"
	apperrors "wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/validation"
	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	*fixture
	scheduler *mockScheduler
	queue     *mockQueue
	schedules *mockSchedules
	handler   *Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	f := &handlerFixture{
		fixture:   newFixture(t),
		scheduler: &mockScheduler{},
		queue:     &mockQueue{},
		schedules: &mockSchedules{},
	}
	h, err := NewHandler(HandlerOptions{
		CustomConfig: testConfig(),
		Logger:       logger.NewTestLogger(t),
		Service:      f.service,
		Scheduler:    f.scheduler,
		Queue:        f.queue,
		Schedules:    f.schedules,
	})
	require.NoError(t, err)
	f.handler = h
	return f
}

// expectSuccessfulRun wires a run where every recipient is delivered.
func (f *handlerFixture) expectSuccessfulRun(job *models.BroadcastJob) {
	f.session.On("GetJob", mock.Anything, job.ID).Return(job, nil)
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(whatsapp.Sent{MessageID: "wamid.X"}, nil)
	f.session.On("CommitOutcomesAndLog", mock.Anything, job.ID, mock.Anything, mock.Anything).Return(nil)
	f.indexer.On("IndexEntries", mock.Anything, job.ID, mock.Anything).Return(nil)
	f.session.On("ReconcileJobStatus", mock.Anything, job.ID, mock.Anything, 0, models.BroadcastStatusSuccessful).Return(nil)
}

func taskFor(t *testing.T, taskType string, payload interface{}) *queue.Task {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Task{ID: "task-1", Type: taskType, Payload: raw, EnqueuedAt: time.Now()}
}

func TestNewHandler_RequiresService(t *testing.T) {
	_, err := NewHandler(HandlerOptions{CustomConfig: testConfig()})
	assert.Error(t, err)
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 0
	_, err := NewHandler(HandlerOptions{CustomConfig: cfg, Service: &Service{}})
	assert.Error(t, err)
}

func TestHandleTask_UnsupportedType(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handler.HandleTask(context.Background(), taskFor(t, "broadcast-report", sampleInput()))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnsupportedTaskType, apperrors.CodeOf(err))
	f.gateway.AssertNotCalled(t, "Acquire", mock.Anything)
}

func TestHandleTask_ValidationFailure(t *testing.T) {
	f := newHandlerFixture(t)

	err := f.handler.HandleTask(context.Background(), taskFor(t, TaskType, map[string]interface{}{
		"broadcastId":  42,
		"templateName": "spring_sale",
	}))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))
}

func TestHandleTask_UnreadablePayload(t *testing.T) {
	f := newHandlerFixture(t)

	task := &queue.Task{ID: "t", Type: TaskType, Payload: json.RawMessage(`[1,2]`)}
	err := f.handler.HandleTask(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInputParsingFailed, apperrors.CodeOf(err))
}

func TestHandleTask_OneShotRun(t *testing.T) {
	f := newHandlerFixture(t)
	f.expectSuccessfulRun(pendingJob())

	require.NoError(t, f.handler.HandleTask(context.Background(), taskFor(t, TaskType, sampleInput())))

	f.session.AssertCalled(t, "ReconcileJobStatus", mock.Anything, int64(42), 3, 0, models.BroadcastStatusSuccessful)
	f.queue.AssertNotCalled(t, "EnqueueAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleTask_RunLongerThanJobTimeoutCompletes(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.config.Timeout = 100 * time.Millisecond
	f.service.config.RateInterval = 20 * time.Millisecond
	f.expectSuccessfulRun(pendingJob())

	input := sampleInput()
	input.Recipients = nil
	for i := 0; i < 20; i++ {
		input.Recipients = append(input.Recipients, models.Recipient{Name: "R", Phone: fmt.Sprintf("81234567%02d", i)})
	}

	require.NoError(t, f.handler.HandleTask(context.Background(), taskFor(t, TaskType, input)))

	f.sender.AssertNumberOfCalls(t, "Send", 20)
	f.session.AssertCalled(t, "ReconcileJobStatus", mock.Anything, int64(42), 20, 0, models.BroadcastStatusSuccessful)
	outcomes := f.session.Calls[1].Arguments.Get(2).([]models.DeliveryOutcome)
	assert.Len(t, outcomes, 20)
}

func TestHandleTask_RequiresEndpointOrAccessToken(t *testing.T) {
	f := newHandlerFixture(t)

	input := sampleInput()
	input.APIBaseURL = ""
	input.AuthHeaders = nil

	err := f.handler.HandleTask(context.Background(), taskFor(t, TaskType, input))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))
	f.gateway.AssertNotCalled(t, "Acquire", mock.Anything)
}

func TestHandleTask_DisabledWorkerDropsTask(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.config.Enabled = false

	require.NoError(t, f.handler.HandleTask(context.Background(), taskFor(t, TaskType, sampleInput())))
	f.gateway.AssertNotCalled(t, "Acquire", mock.Anything)
}

func TestExecute_RecurringRunSchedulesNext(t *testing.T) {
	f := newHandlerFixture(t)
	rec := models.Recurrence{Days: []string{"Monday", "Thursday"}, TimeOfDay: "10:00", Timezone: "Asia/Kolkata"}
	job := pendingJob()
	job.Recurrence = &rec
	f.expectSuccessfulRun(job)

	next := time.Date(2026, 3, 5, 4, 30, 0, 0, time.UTC)
	f.scheduler.On("Next", rec).Return(next, nil)
	f.queue.On("EnqueueAt", mock.Anything, TaskType, mock.Anything, next).Return("task-2", nil)
	f.schedules.On("UpdateSchedule", mock.Anything, int64(42), next, "task-2").Return(nil)

	input := sampleInput()
	scheduled := time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)
	input.ScheduledAt = &scheduled

	out, err := f.handler.Execute(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, out.NextRunAt)
	assert.Equal(t, next, *out.NextRunAt)

	queued := f.queue.Calls[0].Arguments.Get(2).(*Input)
	assert.Nil(t, queued.ScheduledAt)
	assert.Equal(t, &rec, queued.Recurrence)
	assert.Equal(t, input.TemplateName, queued.TemplateName)
	f.schedules.AssertExpectations(t)
}

func TestExecute_SchedulingFailureKeepsRunResult(t *testing.T) {
	f := newHandlerFixture(t)
	job := pendingJob()
	job.Recurrence = &models.Recurrence{Days: []string{"Funday"}, TimeOfDay: "10:00"}
	f.expectSuccessfulRun(job)
	f.scheduler.On("Next", *job.Recurrence).Return(time.Time{}, errors.New("unknown weekday \"Funday\""))

	out, err := f.handler.Execute(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Nil(t, out.NextRunAt)
	assert.Equal(t, RunStateDone, out.State)
	f.queue.AssertNotCalled(t, "EnqueueAt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecute_SkippedRunDoesNotReschedule(t *testing.T) {
	f := newHandlerFixture(t)
	job := pendingJob()
	job.Status = models.BroadcastStatusCancelled
	job.Recurrence = &models.Recurrence{Days: []string{"Monday"}, TimeOfDay: "10:00"}
	f.session.On("GetJob", mock.Anything, int64(42)).Return(job, nil)

	out, err := f.handler.Execute(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, RunStateSkipped, out.State)
	f.scheduler.AssertNotCalled(t, "Next", mock.Anything)
}

func TestOutputVariables(t *testing.T) {
	next := time.Date(2026, 3, 5, 4, 30, 0, 0, time.UTC)
	vars := outputVariables(&Output{
		RunID:     "run-1",
		State:     RunStateDone,
		Status:    models.BroadcastStatusPartiallySuccessful,
		Success:   2,
		Failed:    1,
		NextRunAt: &next,
	})

	assert.Equal(t, 2, vars["broadcastSuccess"])
	assert.Equal(t, 1, vars["broadcastFailed"])
	assert.Equal(t, "2026-03-05T04:30:00Z", vars["broadcastNextRunAt"])
}

func TestGetOutputSchema_MatchesOutput(t *testing.T) {
	next := time.Date(2026, 3, 5, 4, 30, 0, 0, time.UTC)
	raw, err := json.Marshal(&Output{
		BroadcastID: 42,
		RunID:       "run-1",
		State:       RunStateDone,
		Success:     3,
		Status:      models.BroadcastStatusSuccessful,
		NextRunAt:   &next,
	})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	result := validation.ValidateInput(doc, GetOutputSchema())
	assert.True(t, result.Valid, result.GetErrorMessages())
}

func TestCreateConfigFromAppConfig(t *testing.T) {
	appCfg := &config.Config{
		Workers: map[string]config.WorkerConfig{
			TaskType: {Enabled: true, MaxJobsActive: 2, Timeout: 30000},
		},
		WhatsApp: config.WhatsAppConfig{
			RateInterval:   100,
			DefaultCountry: "US",
			APIBaseURL:     "https://graph.example.test",
			APIVersion:     "v20.0",
		},
	}

	cfg := createConfigFromAppConfig(appCfg, nil)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 2, cfg.MaxJobsActive)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 30*time.Second, cfg.CommitTimeout)
	assert.Equal(t, "https://graph.example.test", cfg.APIBaseURL)
	assert.Equal(t, "v20.0", cfg.APIVersion)
	assert.Equal(t, 100*time.Millisecond, cfg.RateInterval)
	assert.Equal(t, "US", cfg.DefaultCountry)

	assert.Equal(t, DefaultConfig(), createConfigFromAppConfig(nil, nil))
}

func TestGetInputSchema_AcceptsQueuedInput(t *testing.T) {
	raw, err := json.Marshal(sampleInput())
	require.NoError(t, err)
	var vars map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &vars))

	input, err := parseInput(vars)
	require.NoError(t, err)
	assert.Equal(t, int64(42), input.BroadcastID)
	assert.Len(t, input.Recipients, 3)
}

func TestValidateRequest_AccessTokenOnly(t *testing.T) {
	input := sampleInput()
	input.APIBaseURL = ""
	input.AuthHeaders = nil
	input.AccessToken = "EAAG-line-token"

	raw, err := json.Marshal(input)
	require.NoError(t, err)
	var vars map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &vars))

	result := ValidateRequest(vars)
	assert.True(t, result.Valid, result.GetErrorMessages())

	delete(vars, "accessToken")
	result = ValidateRequest(vars)
	assert.False(t, result.Valid)
	assert.True(t, result.HasErrors("apiBaseUrl"))
}

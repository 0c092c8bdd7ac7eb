package dispatchbroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wa-broadcast-workers/internal/common/camunda"
	"wa-broadcast-workers/internal/common/config"
	"wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/metrics"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/queue"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "broadcast-dispatch"

// Scheduler computes the next run of a recurring broadcast.
type Scheduler interface {
	Next(rec models.Recurrence) (time.Time, error)
}

type TaskQueue interface {
	EnqueueAt(ctx context.Context, taskType string, payload interface{}, at time.Time) (string, error)
}

type ScheduleStore interface {
	UpdateSchedule(ctx context.Context, jobID int64, next time.Time, taskID string) error
}

type Handler struct {
	config    *Config
	logger    logger.Logger
	camunda   *camunda.Client
	service   *Service
	scheduler Scheduler
	queue     TaskQueue
	schedules ScheduleStore
	jobWorker *camunda.CamundaWorker
}

type HandlerOptions struct {
	AppConfig    *config.Config
	Camunda      *camunda.Client
	CustomConfig *Config
	Logger       logger.Logger
	Service      *Service
	// Scheduler, Queue and Schedules are needed only for recurring broadcasts.
	Scheduler Scheduler
	Queue     TaskQueue
	Schedules ScheduleStore
}

func NewHandler(opts HandlerOptions) (*Handler, error) {
	workerConfig := createConfigFromAppConfig(opts.AppConfig, opts.CustomConfig)

	if err := workerConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("%s: dispatch service is required", TaskType)
	}

	loggerInstance := opts.Logger
	if loggerInstance == nil {
		loggerInstance = logger.NewStructured("info", "json")
	}

	return &Handler{
		config:    workerConfig,
		logger:    loggerInstance,
		camunda:   opts.Camunda,
		service:   opts.Service,
		scheduler: opts.Scheduler,
		queue:     opts.Queue,
		schedules: opts.Schedules,
	}, nil
}

// HandleTask runs a dispatch task taken from the Redis queue.
func (h *Handler) HandleTask(ctx context.Context, task *queue.Task) error {
	if task.Type != TaskType {
		return errors.NewUnsupportedTaskTypeError(task.Type)
	}
	if !h.config.Enabled {
		h.logger.Info("Worker disabled by configuration, dropping task", map[string]interface{}{
			"taskId": task.ID,
			"worker": TaskType,
		})
		return nil
	}

	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	var variables map[string]interface{}
	if err := json.Unmarshal(task.Payload, &variables); err != nil {
		err = errors.NewInputParsingError(err)
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
		return err
	}

	input, err := parseInput(variables)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
		return err
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
		return err
	}

	h.logger.Info("Dispatch task completed", map[string]interface{}{
		"taskId":      task.ID,
		"attempts":    task.Attempts,
		"broadcastId": output.BroadcastID,
		"state":       output.State,
		"status":      output.Status,
	})
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
	return nil
}

// Handle runs a dispatch job activated by Zeebe.
func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	ctx := context.Background()

	h.logger.Info("Processing broadcast dispatch job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
		"worker":             TaskType,
	})

	if !h.config.Enabled {
		h.logger.Info("Worker disabled by configuration", map[string]interface{}{
			"worker": TaskType,
		})
		h.completeJob(ctx, client, job, map[string]interface{}{"broadcastRunState": "disabled"})
		return
	}

	variables, err := job.GetVariablesAsMap()
	if err != nil {
		h.failJob(ctx, client, job, errors.NewInputParsingError(err))
		return
	}

	input, err := parseInput(variables)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, outputVariables(output))
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

// Execute runs one dispatch and, for a completed run of a recurring broadcast, queues the
// next occurrence. Scheduling problems never fail the run that was just committed.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	output, err := h.service.Dispatch(ctx, input)
	if err != nil {
		return nil, err
	}
	if output.State == RunStateDone && output.recurrence != nil {
		h.scheduleNext(ctx, input, output)
	}
	return output, nil
}

func (h *Handler) scheduleNext(ctx context.Context, input *Input, output *Output) {
	if h.scheduler == nil || h.queue == nil {
		h.logger.Warn("Recurring broadcast but no scheduler configured", map[string]interface{}{
			"broadcastId": output.BroadcastID,
		})
		return
	}

	fields := map[string]interface{}{"broadcastId": output.BroadcastID}

	next, err := h.scheduler.Next(*output.recurrence)
	if err != nil {
		fields["error"] = errors.NewRecurrenceInvalidError(err).Error()
		h.logger.Error("Failed to compute next run", fields)
		return
	}

	nextInput := *input
	nextInput.ScheduledAt = nil
	nextInput.Recurrence = output.recurrence

	taskID, err := h.queue.EnqueueAt(ctx, TaskType, &nextInput, next)
	if err != nil {
		fields["error"] = err.Error()
		h.logger.Error("Failed to queue next run", fields)
		return
	}

	if h.schedules != nil {
		if err := h.schedules.UpdateSchedule(ctx, output.BroadcastID, next, taskID); err != nil {
			fields["error"] = err.Error()
			h.logger.Warn("Next run queued but schedule not recorded", fields)
		}
	}

	output.NextRunAt = &next
	h.logger.Info("Next run scheduled", map[string]interface{}{
		"broadcastId": output.BroadcastID,
		"taskId":      taskID,
		"nextRunAt":   next.Format(time.RFC3339),
	})
}

// parseInput validates raw task variables and decodes them into an Input.
func parseInput(variables map[string]interface{}) (*Input, error) {
	result := ValidateRequest(variables)
	if !result.Valid {
		return nil, errors.NewValidationError(fmt.Sprintf("Validation errors: %v", result.GetErrorMessages()))
	}

	raw, err := json.Marshal(variables)
	if err != nil {
		return nil, errors.NewInputParsingError(err)
	}
	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, errors.NewInputParsingError(err)
	}
	return &input, nil
}

func outputVariables(output *Output) map[string]interface{} {
	variables := map[string]interface{}{
		"broadcastRunId":    output.RunID,
		"broadcastRunState": output.State,
		"broadcastStatus":   output.Status,
		"broadcastSuccess":  output.Success,
		"broadcastFailed":   output.Failed,
	}
	if output.NextRunAt != nil {
		variables["broadcastNextRunAt"] = output.NextRunAt.Format(time.RFC3339)
	}
	return variables
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, variables map[string]interface{}) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromMap(variables)
	if err != nil {
		h.logger.Error("Failed to create complete job command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
			"worker": TaskType,
		})
		return
	}

	retry := camunda.DefaultRetryConfig
	if h.camunda != nil {
		retry = h.camunda.Retry()
	}
	_, err = camunda.SendWithRetry(ctx, retry, func(ctx context.Context) (interface{}, error) {
		return request.Send(ctx)
	}, "complete_job")
	if err != nil {
		h.logger.Error("Failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
			"worker": TaskType,
		})
		return
	}

	h.logger.Info("Successfully completed broadcast dispatch job", map[string]interface{}{
		"jobKey": job.GetKey(),
		"worker": TaskType,
	})
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(errors.CodeOf(err))).Inc()
	errors.NewErrorHandler(h.logger).HandleJobError(ctx, client, job, err)
}

// Register opens a Zeebe job worker for this task type.
func (h *Handler) Register() error {
	if h.camunda == nil {
		return fmt.Errorf("%s: camunda client not configured", TaskType)
	}
	if !h.config.Enabled {
		h.logger.Info("Worker disabled, skipping Zeebe registration", map[string]interface{}{"worker": TaskType})
		return nil
	}

	h.jobWorker = camunda.NewWorker(h.camunda.GetClient(), camunda.WorkerOptions{
		TaskType:      TaskType,
		MaxJobsActive: h.config.MaxJobsActive,
		Timeout:       h.config.Timeout,
		Handler:       h.Handle,
	}, h.logger)
	return nil
}

func (h *Handler) Close() {
	if h.jobWorker != nil {
		h.jobWorker.Stop()
	}
}

func (h *Handler) GetTaskType() string {
	return TaskType
}

func (h *Handler) IsEnabled() bool {
	return h.config.Enabled
}

func createConfigFromAppConfig(appConfig *config.Config, customConfig *Config) *Config {
	if customConfig != nil {
		return customConfig
	}

	cfg := DefaultConfig()
	if appConfig == nil {
		return cfg
	}

	if workerCfg, exists := appConfig.Workers[TaskType]; exists {
		cfg.Enabled = workerCfg.Enabled
		if workerCfg.MaxJobsActive > 0 {
			cfg.MaxJobsActive = workerCfg.MaxJobsActive
		}
		if workerCfg.Timeout > 0 {
			cfg.Timeout = time.Duration(workerCfg.Timeout) * time.Millisecond
		}
		if workerCfg.CommitTimeout > 0 {
			cfg.CommitTimeout = time.Duration(workerCfg.CommitTimeout) * time.Millisecond
		}
	}
	if appConfig.WhatsApp.RateInterval > 0 {
		cfg.RateInterval = time.Duration(appConfig.WhatsApp.RateInterval) * time.Millisecond
	}
	if appConfig.WhatsApp.DefaultCountry != "" {
		cfg.DefaultCountry = appConfig.WhatsApp.DefaultCountry
	}
	if appConfig.WhatsApp.APIBaseURL != "" {
		cfg.APIBaseURL = appConfig.WhatsApp.APIBaseURL
	}
	if appConfig.WhatsApp.APIVersion != "" {
		cfg.APIVersion = appConfig.WhatsApp.APIVersion
	}
	return cfg
}

// NewConfigFromAppConfig resolves the worker configuration used by both triggers.
func NewConfigFromAppConfig(appConfig *config.Config) *Config {
	return createConfigFromAppConfig(appConfig, nil)
}

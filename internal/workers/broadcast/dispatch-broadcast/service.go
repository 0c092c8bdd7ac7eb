package dispatchbroadcast

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/metrics"
	"wa-broadcast-workers/internal/common/phone"
	"wa-broadcast-workers/internal/common/ratelimit"
	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/store"
)

// maxLoggedFailures caps how many failure reasons the run summary carries.
const maxLoggedFailures = 3

type Service struct {
	config    *Config
	logger    logger.Logger
	gateway   Gateway
	sender    whatsapp.Sender
	formatter PhoneFormatter
	indexer   ConversationIndexer
	tracer    trace.Tracer
	now       func() time.Time
}

func NewService(deps ServiceDependencies, config *Config) *Service {
	formatter := deps.Formatter
	if formatter == nil {
		formatter = phone.NewFormatter(config.DefaultCountry)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("wa-broadcast-workers/dispatch-broadcast")
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Service{
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
		gateway:   deps.Gateway,
		sender:    deps.Sender,
		formatter: formatter,
		indexer:   deps.Indexer,
		tracer:    tracer,
		now:       time.Now,
	}
}

// runState is everything staged in memory during one pass over the recipients.
type runState struct {
	outcomes []models.DeliveryOutcome
	entries  []models.ConversationEntry
	success  int
	failed   int
	reasons  []string
}

// Dispatch performs one run for input.BroadcastID. Outcomes are staged in memory and
// committed once after the last recipient; any returned error means nothing was written.
func (s *Service) Dispatch(ctx context.Context, input *Input) (*Output, error) {
	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "broadcast.dispatch", trace.WithAttributes(
		attribute.Int64("broadcast.id", input.BroadcastID),
		attribute.String("broadcast.run_id", runID),
	))
	defer span.End()

	log := s.logger.WithFields(map[string]interface{}{
		"broadcastId": input.BroadcastID,
		"runId":       runID,
	})

	out, err := s.dispatch(ctx, log, runID, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BroadcastRuns.WithLabelValues("aborted").Inc()
		log.Error("Broadcast dispatch aborted", map[string]interface{}{
			"errorCode": string(errors.CodeOf(err)),
			"error":     err.Error(),
		})
		return nil, err
	}

	metrics.BroadcastRuns.WithLabelValues(out.State).Inc()
	span.SetAttributes(
		attribute.String("broadcast.state", out.State),
		attribute.Int("broadcast.success", out.Success),
		attribute.Int("broadcast.failed", out.Failed),
	)
	return out, nil
}

func (s *Service) dispatch(ctx context.Context, log logger.Logger, runID string, input *Input) (*Output, error) {
	session, err := s.gateway.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := session.Release(); relErr != nil {
			log.Warn("Failed to release storage session", map[string]interface{}{"error": relErr.Error()})
		}
	}()

	job, err := session.GetJob(ctx, input.BroadcastID)
	if stderrors.Is(err, store.ErrJobNotFound) {
		return nil, errors.NewBroadcastNotFoundError(input.BroadcastID)
	}
	if err != nil {
		return nil, err
	}

	if job.IsCancelled() {
		log.Info("Broadcast cancelled, skipping dispatch", map[string]interface{}{"status": job.Status})
		return &Output{
			BroadcastID: job.ID,
			RunID:       runID,
			State:       RunStateSkipped,
			Success:     job.Success,
			Failed:      job.Failed,
			Status:      job.Status,
		}, nil
	}

	meta, err := ParseTemplateData(input.TemplateData)
	if err != nil {
		return nil, errors.NewTemplateDataInvalidError(err)
	}

	recipients := input.Recipients
	if len(recipients) == 0 {
		recipients = job.Recipients
	}
	userID := input.UserID
	if userID == 0 {
		userID = job.UserID
	}

	log.Info("Starting broadcast dispatch", map[string]interface{}{
		"recipients": len(recipients),
		"template":   input.TemplateName,
		"language":   meta.Language,
	})

	state, err := s.deliverAll(ctx, log, input, meta, userID, recipients)
	if err != nil {
		return nil, err
	}

	// The staged outcomes describe sends that already happened. They are written even if
	// ctx ended during the last send.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CommitTimeout)
	defer cancel()

	if err := session.CommitOutcomesAndLog(writeCtx, job.ID, state.outcomes, state.entries); err != nil {
		return nil, err
	}
	s.indexConversations(writeCtx, log, job.ID, state.entries)

	status := models.ReconcileStatus(state.success, state.failed)
	if err := session.ReconcileJobStatus(writeCtx, job.ID, state.success, state.failed, status); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"success": state.success,
		"failed":  state.failed,
		"status":  status,
	}
	if state.failed > 0 {
		fields["failureReasons"] = state.reasons
		log.Warn("Broadcast dispatch completed with failures", fields)
	} else {
		log.Info("Broadcast dispatch completed", fields)
	}

	out := &Output{
		BroadcastID: job.ID,
		RunID:       runID,
		State:       RunStateDone,
		Success:     state.success,
		Failed:      state.failed,
		Status:      status,
		recurrence:  job.Recurrence,
	}
	if out.recurrence == nil {
		out.recurrence = input.Recurrence
	}
	return out, nil
}

// deliverAll walks recipients strictly in order. A Failed result is recorded and the loop
// moves on; a transport error ends the run with nothing staged kept.
func (s *Service) deliverAll(ctx context.Context, log logger.Logger, input *Input, meta *TemplateMetadata, userID int64, recipients []models.Recipient) (*runState, error) {
	governor := ratelimit.NewGovernor(s.config.RateInterval)
	endpoint, headers := s.resolveEndpoint(input)
	hint := input.CountryHint
	if hint == "" {
		hint = s.config.DefaultCountry
	}

	state := &runState{
		outcomes: make([]models.DeliveryOutcome, 0, len(recipients)),
		entries:  make([]models.ConversationEntry, 0, len(recipients)),
	}

	for i, r := range recipients {
		to := s.formatter.Normalize(r.Phone, hint)
		payload := whatsapp.BuildTemplatePayload(whatsapp.TemplateParams{
			TemplateName:      input.TemplateName,
			LanguageCode:      meta.Language,
			To:                to,
			RecipientName:     r.Name,
			HeaderMediaID:     input.ImageID,
			BodyParameterMode: input.BodyParameterMode,
		})

		if err := governor.Throttle(ctx); err != nil {
			return nil, errors.NewWhatsAppTransportError(err)
		}

		result, err := s.send(ctx, payload, endpoint, headers, i)
		if err != nil {
			return nil, err
		}

		switch res := result.(type) {
		case whatsapp.Sent:
			waID := res.RecipientWaID
			if waID == "" {
				waID = to
			}
			state.outcomes = append(state.outcomes, models.DeliveryOutcome{
				BroadcastID: input.BroadcastID,
				UserID:      userID,
				Phone:       waID,
				ContactName: r.Name,
				Status:      models.OutcomeStatusSent,
				MessageID:   res.MessageID,
			})
			state.entries = append(state.entries, models.ConversationEntry{
				WaID:          to,
				MessageID:     res.MessageID,
				PhoneNumberID: input.LineID,
				Content:       "#template_message# " + meta.Raw,
				Timestamp:     s.now().UTC(),
				MessageType:   models.ConversationTypeText,
				Direction:     models.ConversationDirectionSent,
			})
			state.success++
			metrics.BroadcastMessages.WithLabelValues(models.OutcomeStatusSent).Inc()

		case whatsapp.Failed:
			reason := res.Reason()
			state.outcomes = append(state.outcomes, models.DeliveryOutcome{
				BroadcastID: input.BroadcastID,
				UserID:      userID,
				Phone:       to,
				ContactName: r.Name,
				Status:      models.OutcomeStatusFailed,
				ErrorReason: reason,
			})
			state.failed++
			if len(state.reasons) < maxLoggedFailures {
				state.reasons = append(state.reasons, reason)
			}
			metrics.BroadcastMessages.WithLabelValues(models.OutcomeStatusFailed).Inc()
			log.Error("Failed to deliver template message", map[string]interface{}{
				"phone":      to,
				"httpStatus": res.HTTPStatus,
				"reason":     reason,
			})
		}
	}

	return state, nil
}

// resolveEndpoint prefers the caller's apiBaseUrl and headers. Without a base URL the
// endpoint is built from the configured Graph API and the sending line id.
func (s *Service) resolveEndpoint(input *Input) (string, map[string]string) {
	headers := input.AuthHeaders
	if len(headers) == 0 && input.AccessToken != "" {
		headers = whatsapp.BearerHeaders(input.AccessToken)
	}
	if input.APIBaseURL != "" {
		return whatsapp.Endpoint(input.APIBaseURL), headers
	}
	base := whatsapp.PhoneNumberBaseURL(s.config.APIBaseURL, s.config.APIVersion, input.LineID)
	return whatsapp.Endpoint(base), headers
}

func (s *Service) send(ctx context.Context, payload *whatsapp.Payload, endpoint string, headers map[string]string, index int) (whatsapp.DeliveryResult, error) {
	ctx, span := s.tracer.Start(ctx, "whatsapp.send", trace.WithAttributes(
		attribute.Int("recipient.index", index),
	))
	defer span.End()

	result, err := s.sender.Send(ctx, payload, endpoint, headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if f, ok := result.(whatsapp.Failed); ok {
		span.SetAttributes(attribute.String("whatsapp.error_code", f.Code))
	}
	return result, nil
}

// indexConversations is best effort: the outcomes are already committed.
func (s *Service) indexConversations(ctx context.Context, log logger.Logger, broadcastID int64, entries []models.ConversationEntry) {
	if s.indexer == nil || len(entries) == 0 {
		return
	}
	if err := s.indexer.IndexEntries(ctx, broadcastID, entries); err != nil {
		log.Warn("Failed to index conversation entries", map[string]interface{}{
			"entries": len(entries),
			"error":   err.Error(),
		})
	}
}

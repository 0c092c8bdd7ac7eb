package dispatchbroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/whatsapp"
	"wa-broadcast-workers/internal/models"
	"wa-broadcast-workers/internal/store"

	"go.opentelemetry.io/otel/trace"
)

const (
	RunStateDone    = "done"
	RunStateSkipped = "skipped"
)

// Input is the dispatch request for one run. It is not persisted.
type Input struct {
	BroadcastID       int64              `json:"broadcastId"`
	UserID            int64              `json:"userId"`
	TemplateName      string             `json:"templateName"`
	TemplateData      json.RawMessage    `json:"templateData"`
	Recipients        []models.Recipient `json:"recipients,omitempty"`
	ImageID           string             `json:"imageId,omitempty"`
	BodyParameterMode string             `json:"bodyParameterMode,omitempty"`
	LineID            string             `json:"lineId"`
	APIBaseURL        string             `json:"apiBaseUrl,omitempty"`
	AuthHeaders       map[string]string  `json:"authHeaders,omitempty"`
	AccessToken       string             `json:"accessToken,omitempty"`
	CountryHint       string             `json:"countryHint,omitempty"`
	ScheduledAt       *time.Time         `json:"scheduledAt,omitempty"`
	Recurrence        *models.Recurrence `json:"recurrence,omitempty"`
}

type Output struct {
	BroadcastID int64      `json:"broadcastId"`
	RunID       string     `json:"runId"`
	State       string     `json:"state"`
	Success     int        `json:"success"`
	Failed      int        `json:"failed"`
	Status      string     `json:"status"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`

	recurrence *models.Recurrence
}

// TemplateMetadata is the part of templateData the dispatcher reads.
type TemplateMetadata struct {
	Language string `json:"language"`
	// Raw is the templateData text as stored in the conversation log.
	Raw string `json:"-"`
}

// ParseTemplateData accepts templateData either as a JSON object or as a string holding one.
func ParseTemplateData(data json.RawMessage) (*TemplateMetadata, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("templateData is empty")
	}

	raw := trimmed
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("templateData string: %w", err)
		}
	}

	var meta TemplateMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("templateData: %w", err)
	}
	if meta.Language == "" {
		return nil, fmt.Errorf("templateData has no language")
	}
	meta.Raw = raw
	return &meta, nil
}

// Gateway hands out one storage session per run.
type Gateway interface {
	Acquire(ctx context.Context) (store.Session, error)
}

type ConversationIndexer interface {
	IndexEntries(ctx context.Context, broadcastID int64, entries []models.ConversationEntry) error
}

type PhoneFormatter interface {
	Normalize(raw, countryHint string) string
}

type ServiceDependencies struct {
	Logger    logger.Logger
	Gateway   Gateway
	Sender    whatsapp.Sender
	Formatter PhoneFormatter
	// Indexer is optional; nil disables the conversation search index.
	Indexer ConversationIndexer
	Tracer  trace.Tracer
}

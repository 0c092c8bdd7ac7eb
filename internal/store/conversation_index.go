package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"

	"wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/models"
)

// ConversationIndexer mirrors committed conversation entries into a search index.
// It runs after the Postgres commit, so a failure here never affects delivery outcomes.
type ConversationIndexer struct {
	client *elasticsearch.Client
	index  string
}

func NewConversationIndexer(client *elasticsearch.Client, index string) *ConversationIndexer {
	return &ConversationIndexer{client: client, index: index}
}

type conversationDocument struct {
	BroadcastID   int64  `json:"broadcast_id"`
	WaID          string `json:"wa_id"`
	MessageID     string `json:"message_id"`
	PhoneNumberID string `json:"phone_number_id"`
	Content       string `json:"message_content"`
	Timestamp     string `json:"timestamp"`
	MessageType   string `json:"message_type"`
	Direction     string `json:"direction"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// IndexEntries bulk indexes entries keyed by message id, so replays overwrite rather than duplicate.
func (i *ConversationIndexer) IndexEntries(ctx context.Context, broadcastID int64, entries []models.ConversationEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		meta := map[string]map[string]string{"index": {"_index": i.index, "_id": e.MessageID}}
		if err := enc.Encode(meta); err != nil {
			return errors.NewIndexingFailedError(i.index, err)
		}
		doc := conversationDocument{
			BroadcastID:   broadcastID,
			WaID:          e.WaID,
			MessageID:     e.MessageID,
			PhoneNumberID: e.PhoneNumberID,
			Content:       e.Content,
			Timestamp:     e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			MessageType:   e.MessageType,
			Direction:     e.Direction,
		}
		if err := enc.Encode(doc); err != nil {
			return errors.NewIndexingFailedError(i.index, err)
		}
	}

	res, err := i.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		i.client.Bulk.WithContext(ctx),
		i.client.Bulk.WithIndex(i.index),
	)
	if err != nil {
		return errors.NewIndexingFailedError(i.index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return errors.NewIndexingFailedError(i.index, fmt.Errorf("bulk request failed: %s: %s", res.Status(), body))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return errors.NewIndexingFailedError(i.index, fmt.Errorf("decode bulk response: %w", err))
	}
	if parsed.Errors {
		failed := 0
		var first string
		for _, item := range parsed.Items {
			for _, result := range item {
				if result.Error != nil {
					if failed == 0 {
						first = result.Error.Type + ": " + result.Error.Reason
					}
					failed++
				}
			}
		}
		return errors.NewIndexingFailedError(i.index, fmt.Errorf("%d of %d documents rejected, first: %s", failed, len(entries), first))
	}

	return nil
}

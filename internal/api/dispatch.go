package api

import (
	"encoding/json"
	"net/http"
	"time"

	dispatchbroadcast "wa-broadcast-workers/internal/workers/broadcast/dispatch-broadcast"
)

// maxRequestBody bounds a dispatch request; recipient lists are the only large field.
const maxRequestBody = 8 << 20

type dispatchResponse struct {
	TaskID      string     `json:"taskId"`
	BroadcastID int64      `json:"broadcastId"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// handleDispatch validates a dispatch request and queues it. A scheduledAt in the
// future parks the task on the delayed set; anything else is queued for immediate pickup.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INPUT_PARSING_FAILED", "request body must be a JSON object")
		return
	}

	result := dispatchbroadcast.ValidateRequest(body)
	if !result.Valid {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "Input validation failed", result.GetErrorMessages()...)
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INPUT_PARSING_FAILED", err.Error())
		return
	}
	var input dispatchbroadcast.Input
	if err := json.Unmarshal(raw, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INPUT_PARSING_FAILED", err.Error())
		return
	}

	resp := dispatchResponse{BroadcastID: input.BroadcastID}
	if input.ScheduledAt != nil && input.ScheduledAt.After(s.now()) {
		resp.TaskID, err = s.queue.EnqueueAt(r.Context(), dispatchbroadcast.TaskType, &input, *input.ScheduledAt)
		resp.ScheduledAt = input.ScheduledAt
	} else {
		resp.TaskID, err = s.queue.Enqueue(r.Context(), dispatchbroadcast.TaskType, &input)
	}
	if err != nil {
		s.logger.Error("Failed to queue dispatch task", map[string]interface{}{
			"broadcastId": input.BroadcastID,
			"error":       err.Error(),
		})
		writeError(w, http.StatusServiceUnavailable, "QUEUE_OPERATION_FAILED", "could not queue dispatch task")
		return
	}

	s.logger.Info("Dispatch task queued", map[string]interface{}{
		"broadcastId": input.BroadcastID,
		"taskId":      resp.TaskID,
		"delayed":     resp.ScheduledAt != nil,
	})
	writeJSON(w, http.StatusAccepted, resp)
}

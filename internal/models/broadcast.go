package models

import (
	"fmt"
	"strings"
	"time"
)

// Broadcast job statuses as stored in "BroadcastList".status.
const (
	BroadcastStatusPending             = "pending"
	BroadcastStatusProcessing          = "processing"
	BroadcastStatusSuccessful          = "Successful"
	BroadcastStatusPartiallySuccessful = "Partially Successful"
	BroadcastStatusFailed              = "Failed"
	BroadcastStatusCancelled           = "Cancelled"
)

// Delivery outcome statuses as stored in "BroadcastAnalysis".status.
const (
	OutcomeStatusSent   = "sent"
	OutcomeStatusFailed = "failed"
)

const (
	ConversationDirectionSent = "sent"
	ConversationTypeText      = "text"
)

type Recipient struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// ParseStoredContact splits a "name:phone" contact entry. Entries without a
// separator are treated as a bare phone number.
func ParseStoredContact(entry string) Recipient {
	idx := strings.LastIndex(entry, ":")
	if idx < 0 {
		return Recipient{Phone: strings.TrimSpace(entry)}
	}
	return Recipient{
		Name:  strings.TrimSpace(entry[:idx]),
		Phone: strings.TrimSpace(entry[idx+1:]),
	}
}

func (r Recipient) StoredContact() string {
	return fmt.Sprintf("%s:%s", r.Name, r.Phone)
}

// Recurrence describes a weekly repeating broadcast.
type Recurrence struct {
	Days      []string `json:"days"`
	TimeOfDay string   `json:"time"`
	Timezone  string   `json:"timezone,omitempty"`
}

type BroadcastJob struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"userId"`
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Template      string      `json:"template"`
	Recipients    []Recipient `json:"recipients"`
	Success       int         `json:"success"`
	Failed        int         `json:"failed"`
	Status        string      `json:"status"`
	ScheduledTime *time.Time  `json:"scheduledTime,omitempty"`
	Recurrence    *Recurrence `json:"recurrence,omitempty"`
	TaskID        string      `json:"taskId,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (j *BroadcastJob) IsCancelled() bool {
	return j.Status == BroadcastStatusCancelled
}

func (j *BroadcastJob) IsRecurring() bool {
	return j.Recurrence != nil && len(j.Recurrence.Days) > 0
}

// DeliveryOutcome is one append-only row in "BroadcastAnalysis".
type DeliveryOutcome struct {
	BroadcastID int64  `json:"broadcastId"`
	UserID      int64  `json:"userId"`
	Phone       string `json:"phone"`
	ContactName string `json:"contactName"`
	Status      string `json:"status"`
	MessageID   string `json:"messageId,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ConversationEntry is the outbound timeline record for a sent message.
type ConversationEntry struct {
	WaID          string    `json:"waId"`
	MessageID     string    `json:"messageId"`
	PhoneNumberID string    `json:"phoneNumberId"`
	Content       string    `json:"messageContent"`
	Timestamp     time.Time `json:"timestamp"`
	MessageType   string    `json:"messageType"`
	Direction     string    `json:"direction"`
}

// ReconcileStatus maps final counters onto the terminal job status.
func ReconcileStatus(success, failed int) string {
	switch {
	case failed == 0:
		return BroadcastStatusSuccessful
	case success > 0:
		return BroadcastStatusPartiallySuccessful
	default:
		return BroadcastStatusFailed
	}
}

// Package store is the persistence gateway for broadcast jobs, delivery outcomes and
// the outbound conversation log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/models"
)

var ErrJobNotFound = stderrors.New("broadcast job not found")

// insertBatchSize keeps multi-row inserts well under the 65535 bind parameter limit.
const insertBatchSize = 500

// Session is scoped to one dispatch run and holds one pooled connection until Release.
type Session interface {
	GetJob(ctx context.Context, id int64) (*models.BroadcastJob, error)
	CommitOutcomesAndLog(ctx context.Context, jobID int64, outcomes []models.DeliveryOutcome, entries []models.ConversationEntry) error
	ReconcileJobStatus(ctx context.Context, jobID int64, success, failed int, status string) error
	Release() error
}

type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

// Acquire reserves a connection from the pool for the lifetime of a dispatch run.
func (g *PostgresGateway) Acquire(ctx context.Context) (Session, error) {
	conn, err := g.db.Conn(ctx)
	if err != nil {
		return nil, errors.NewDatabaseConnectionFailedError(err)
	}
	return &postgresSession{conn: conn}, nil
}

const updateScheduleQuery = `UPDATE "BroadcastList" SET scheduled_time = $1, task_id = $2, updated_at = NOW() WHERE id = $3`

// UpdateSchedule records the next planned run of a recurring broadcast.
func (g *PostgresGateway) UpdateSchedule(ctx context.Context, jobID int64, next time.Time, taskID string) error {
	res, err := g.db.ExecContext(ctx, updateScheduleQuery, next.UTC(), taskID, jobID)
	if err != nil {
		return errors.NewQueryExecutionFailedError("update_schedule", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type postgresSession struct {
	conn *sql.Conn
	once sync.Once
}

const getJobQuery = `
SELECT id, COALESCE(user_id, 0), COALESCE(name, ''), COALESCE(type, ''), COALESCE(template, ''),
       contacts, COALESCE(success, 0), COALESCE(failed, 0), COALESCE(status, ''),
       scheduled_time, COALESCE(task_id, ''), recurrence, created_at, updated_at
FROM "BroadcastList"
WHERE id = $1`

func (s *postgresSession) GetJob(ctx context.Context, id int64) (*models.BroadcastJob, error) {
	var (
		job        models.BroadcastJob
		contacts   []string
		scheduled  sql.NullTime
		recurrence []byte
		createdAt  sql.NullTime
		updatedAt  sql.NullTime
	)

	err := s.conn.QueryRowContext(ctx, getJobQuery, id).Scan(
		&job.ID, &job.UserID, &job.Name, &job.Type, &job.Template,
		pq.Array(&contacts), &job.Success, &job.Failed, &job.Status,
		&scheduled, &job.TaskID, &recurrence, &createdAt, &updatedAt,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get_broadcast", err)
	}

	job.Recipients = make([]models.Recipient, 0, len(contacts))
	for _, c := range contacts {
		job.Recipients = append(job.Recipients, models.ParseStoredContact(c))
	}
	if scheduled.Valid {
		t := scheduled.Time
		job.ScheduledTime = &t
	}
	if len(recurrence) > 0 && string(recurrence) != "null" {
		var rec models.Recurrence
		if err := json.Unmarshal(recurrence, &rec); err != nil {
			return nil, errors.NewQueryExecutionFailedError("get_broadcast", fmt.Errorf("decode recurrence: %w", err))
		}
		job.Recurrence = &rec
	}
	job.CreatedAt = createdAt.Time
	job.UpdatedAt = updatedAt.Time

	return &job, nil
}

// CommitOutcomesAndLog writes all staged outcomes and conversation entries in one transaction.
func (s *postgresSession) CommitOutcomesAndLog(ctx context.Context, jobID int64, outcomes []models.DeliveryOutcome, entries []models.ConversationEntry) error {
	if len(outcomes) == 0 && len(entries) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseCommitFailedError(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	for start := 0; start < len(outcomes); start += insertBatchSize {
		end := min(start+insertBatchSize, len(outcomes))
		query, args := buildOutcomeInsert(jobID, outcomes[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.NewDatabaseCommitFailedError(fmt.Errorf("insert outcomes: %w", err))
		}
	}

	for start := 0; start < len(entries); start += insertBatchSize {
		end := min(start+insertBatchSize, len(entries))
		query, args := buildConversationInsert(entries[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.NewDatabaseCommitFailedError(fmt.Errorf("insert conversations: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseCommitFailedError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

const (
	lockJobQuery      = `SELECT id FROM "BroadcastList" WHERE id = $1 FOR UPDATE`
	reconcileJobQuery = `UPDATE "BroadcastList" SET success = $1, failed = $2, status = $3, updated_at = NOW() WHERE id = $4`
)

// ReconcileJobStatus reloads the job row under lock and stores the final counters and status.
func (s *postgresSession) ReconcileJobStatus(ctx context.Context, jobID int64, success, failed int, status string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewReconciliationFailedError(jobID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id int64
	err = tx.QueryRowContext(ctx, lockJobQuery, jobID).Scan(&id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewReconciliationFailedError(jobID, ErrJobNotFound)
	}
	if err != nil {
		return errors.NewReconciliationFailedError(jobID, err)
	}

	if _, err := tx.ExecContext(ctx, reconcileJobQuery, success, failed, status, jobID); err != nil {
		return errors.NewReconciliationFailedError(jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewReconciliationFailedError(jobID, err)
	}
	return nil
}

// Release returns the connection to the pool. Safe to call more than once.
func (s *postgresSession) Release() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func buildOutcomeInsert(jobID int64, outcomes []models.DeliveryOutcome) (string, []interface{}) {
	const cols = 7
	var sb strings.Builder
	sb.WriteString(`INSERT INTO "BroadcastAnalysis" (user_id, broadcast_id, status, message_id, phone_no, contact_name, error_reason) VALUES `)

	args := make([]interface{}, 0, len(outcomes)*cols)
	for i, o := range outcomes {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)

		var messageID sql.NullString
		if o.MessageID != "" {
			messageID = sql.NullString{String: o.MessageID, Valid: true}
		}
		args = append(args, o.UserID, jobID, o.Status, messageID, o.Phone, o.ContactName, o.ErrorReason)
	}
	return sb.String(), args
}

func buildConversationInsert(entries []models.ConversationEntry) (string, []interface{}) {
	const cols = 7
	var sb strings.Builder
	sb.WriteString(`INSERT INTO conversations (wa_id, message_id, phone_number_id, message_content, timestamp, message_type, direction) VALUES `)

	args := make([]interface{}, 0, len(entries)*cols)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		writePlaceholders(&sb, i*cols, cols)
		args = append(args, e.WaID, e.MessageID, e.PhoneNumberID, e.Content, e.Timestamp.UTC(), e.MessageType, e.Direction)
	}
	return sb.String(), args
}

func writePlaceholders(sb *strings.Builder, offset, n int) {
	sb.WriteByte('(')
	for j := 1; j <= n; j++ {
		if j > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "$%d", offset+j)
	}
	sb.WriteByte(')')
}

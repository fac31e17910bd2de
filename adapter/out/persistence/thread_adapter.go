package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/inboundrelay/gateway/core/domain"
	"github.com/inboundrelay/gateway/core/port/out"
)

// ThreadAdapter implements out.ThreadRepository against email_threads.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) out.ThreadRepository {
	return &ThreadAdapter{db: db}
}

const threadColumns = `
	id, user_id, root_message_id, normalized_subject, participant_emails,
	message_count, last_message_at, created_at, updated_at`

func (r *ThreadAdapter) FindByNormalizedSubject(ctx context.Context, userID, normalizedSubject string, lastMessageAfter time.Time) (*domain.EmailThread, error) {
	query := `SELECT ` + threadColumns + ` FROM email_threads
		WHERE user_id = $1 AND normalized_subject = $2 AND last_message_at >= $3
		ORDER BY last_message_at DESC LIMIT 1`
	var row threadRow
	if err := r.db.GetContext(ctx, &row, query, userID, normalizedSubject, lastMessageAfter); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find thread by normalized subject: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ThreadAdapter) GetByID(ctx context.Context, id string) (*domain.EmailThread, error) {
	query := `SELECT ` + threadColumns + ` FROM email_threads WHERE id = $1`
	var row threadRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ThreadAdapter) Create(ctx context.Context, thread *domain.EmailThread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	thread.UpdatedAt = thread.CreatedAt

	// message_count starts at 0; the caller always follows Create with
	// an Attach for the email that triggered it, which assigns position 1.
	query := `
		INSERT INTO email_threads (
			id, user_id, root_message_id, normalized_subject, participant_emails,
			message_count, last_message_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		thread.ID, thread.UserID, thread.RootMessageID, thread.NormalizedSubject,
		pq.Array(thread.ParticipantEmails), thread.MessageCount, thread.LastMessageAt,
		thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// Attach increments message_count in place and returns the new value
// as the assigned position. The UPDATE statement is the lock: Postgres
// serializes any second concurrent UPDATE against the same row behind
// the first transaction's commit, so two emails landing in the same
// thread at once can never compute the same position.
func (r *ThreadAdapter) Attach(ctx context.Context, threadID string, lastMessageAt time.Time, participants []string) (int, error) {
	query := `
		UPDATE email_threads SET
			message_count = message_count + 1, last_message_at = $2,
			participant_emails = (
				SELECT ARRAY(SELECT DISTINCT unnest(participant_emails || $3::text[]))
			),
			updated_at = NOW()
		WHERE id = $1
		RETURNING message_count`

	var position int
	if err := r.db.GetContext(ctx, &position, query, threadID, lastMessageAt, pq.Array(participants)); err != nil {
		return 0, fmt.Errorf("attach to thread: %w", err)
	}
	return position, nil
}

type threadRow struct {
	ID                string         `db:"id"`
	UserID            string         `db:"user_id"`
	RootMessageID     string         `db:"root_message_id"`
	NormalizedSubject string         `db:"normalized_subject"`
	ParticipantEmails pq.StringArray `db:"participant_emails"`
	MessageCount      int            `db:"message_count"`
	LastMessageAt     time.Time      `db:"last_message_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *threadRow) toDomain() *domain.EmailThread {
	return &domain.EmailThread{
		ID:                r.ID,
		UserID:            r.UserID,
		RootMessageID:     r.RootMessageID,
		NormalizedSubject: r.NormalizedSubject,
		ParticipantEmails: []string(r.ParticipantEmails),
		MessageCount:      r.MessageCount,
		LastMessageAt:     r.LastMessageAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docmchurch/mailqueue/internal/metrics"
)

const (
	messagesTable = "email_queue"
	eventsTable   = "email_events"
)

var messageColumns = []string{
	"id::text",
	"correlation_id",
	"to_address",
	"subject",
	"html_body",
	"text_body",
	"metadata",
	"preferred_sender",
	"sender",
	"status",
	"attempts",
	"max_attempts",
	"next_attempt_at",
	"last_attempt_at",
	"sent_at",
	"provider_ref",
	"error_kind",
	"error_message",
	"claimed_by",
	"created_at",
	"updated_at",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore is the Store backed by PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never share a message.
type PostgresStore struct {
	pool    *pgxpool.Pool
	backoff *Backoff
	now     func() time.Time
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, backoff *Backoff) *PostgresStore {
	if backoff == nil {
		backoff = NewBackoff(DefaultBaseBackoff, DefaultMaxBackoff)
	}
	return &PostgresStore{pool: pool, backoff: backoff, now: time.Now}
}

// SetClock replaces the time source.
func (s *PostgresStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *PostgresStore) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	meta, err := json.Marshal(nonNilMetadata(req.Metadata))
	if err != nil {
		return "", &ValidationError{Fields: []FieldError{{Field: "metadata", Message: "metadata is not serializable"}}}
	}

	id := uuid.New().String()
	now := s.now()

	query, args, err := psql.Insert(messagesTable).
		Columns(
			"id",
			"correlation_id",
			"to_address",
			"subject",
			"html_body",
			"text_body",
			"metadata",
			"preferred_sender",
			"status",
			"attempts",
			"max_attempts",
			"next_attempt_at",
			"created_at",
			"updated_at",
		).
		Values(
			id,
			req.CorrelationID,
			req.To,
			req.Subject,
			req.HTMLBody,
			req.TextBody,
			meta,
			req.Sender,
			string(StatusPending),
			0,
			req.maxAttempts(),
			now,
			now,
			now,
		).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build insert query: %w", err)
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, query, args...)
	observe("enqueue", start, err)
	if err != nil {
		return "", storeErr("enqueue", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return s.getWhere(ctx, "get", sq.Eq{"id": id})
}

func (s *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Message, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	return s.getWhere(ctx, "get_by_provider_ref", sq.Eq{"provider_ref": ref})
}

func (s *PostgresStore) getWhere(ctx context.Context, op string, pred sq.Sqlizer) (*Message, error) {
	query, args, err := psql.Select(messageColumns...).
		From(messagesTable).
		Where(pred).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	start := time.Now()
	msg, err := scanMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		observe(op, start, nil)
		return nil, ErrNotFound
	}
	observe(op, start, err)
	if err != nil {
		return nil, storeErr(op, err)
	}
	return msg, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*Message, error) {
	now := s.now()

	// The subquery keeps '?' placeholders; the outer builder renumbers them.
	next := sq.Select("id").
		From(messagesTable).
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		OrderBy("next_attempt_at ASC", "created_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")

	query, args, err := psql.Update(messagesTable).
		Set("status", string(StatusSending)).
		Set("claimed_by", workerID).
		Set("last_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Expr("id = (?)", next)).
		Suffix("RETURNING " + strings.Join(messageColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	start := time.Now()
	msg, err := scanMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		observe("claim_next", start, nil)
		return nil, nil
	}
	observe("claim_next", start, err)
	if err != nil {
		return nil, storeErr("claim_next", err)
	}
	return msg, nil
}

func (s *PostgresStore) MarkSent(ctx context.Context, id, sender, providerRef string) error {
	now := s.now()
	b := psql.Update(messagesTable).
		Set("status", string(StatusSent)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("sender", sender).
		Set("provider_ref", providerRef).
		Set("sent_at", now).
		Set("error_kind", "").
		Set("error_message", "").
		Set("claimed_by", "").
		Set("updated_at", now)
	return s.transitionFromSending(ctx, "mark_sent", id, b)
}

func (s *PostgresStore) Defer(ctx context.Context, id string, until time.Time) error {
	b := psql.Update(messagesTable).
		Set("status", string(StatusPending)).
		Set("next_attempt_at", until).
		Set("claimed_by", "").
		Set("updated_at", s.now())
	return s.transitionFromSending(ctx, "defer", id, b)
}

// transitionFromSending runs an update that only applies to a claimed message.
func (s *PostgresStore) transitionFromSending(ctx context.Context, op, id string, b sq.UpdateBuilder) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	query, args, err := b.
		Where(sq.Eq{"id": id, "status": string(StatusSending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, args...)
	observe(op, start, err)
	if err != nil {
		return storeErr(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, ErrNotSending)
}

// explainMiss distinguishes a missing message from one in the wrong state.
func (s *PostgresStore) explainMiss(ctx context.Context, id string, stateErr error) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return stateErr
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, f Failure) (*Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	start := time.Now()
	msg, err := s.markFailedTx(ctx, id, f)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotSending) {
		observe("mark_failed", start, nil)
		return nil, err
	}
	observe("mark_failed", start, err)
	if err != nil {
		return nil, storeErr("mark_failed", err)
	}
	return msg, nil
}

func (s *PostgresStore) markFailedTx(ctx context.Context, id string, f Failure) (*Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query, args, err := psql.Select(messageColumns...).
		From(messagesTable).
		Where(sq.Eq{"id": id}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	msg, err := scanMessage(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock message: %w", err)
	}
	if msg.Status != StatusSending {
		return nil, ErrNotSending
	}

	applyFailure(msg, f, s.now(), s.backoff)

	query, args, err = psql.Update(messagesTable).
		Set("status", string(msg.Status)).
		Set("attempts", msg.Attempts).
		Set("sender", msg.Sender).
		Set("error_kind", msg.ErrorKind).
		Set("error_message", msg.ErrorMessage).
		Set("next_attempt_at", msg.NextAttemptAt).
		Set("claimed_by", "").
		Set("updated_at", msg.UpdatedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	query, args, err := psql.Update(messagesTable).
		Set("status", string(StatusCancelled)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build cancel query: %w", err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, args...)
	observe("cancel", start, err)
	if err != nil {
		return storeErr("cancel", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainMiss(ctx, id, ErrNotPending)
}

func (s *PostgresStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.now()
	// SET expressions see the pre-update row, so attempts + 1 is the
	// charged attempt in both clauses.
	query, args, err := psql.Update(messagesTable).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("status", sq.Expr("CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END",
			string(StatusFailed), string(StatusPending))).
		Set("error_kind", KindStaleClaim).
		Set("error_message", staleClaimError).
		Set("claimed_by", "").
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"status": string(StatusSending)}).
		Where(sq.Lt{"last_attempt_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build requeue query: %w", err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, args...)
	observe("requeue_stale", start, err)
	if err != nil {
		return 0, storeErr("requeue_stale", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, since time.Time) (StatusCounts, error) {
	query, args, err := psql.Select("status", "count(*)").
		From(messagesTable).
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		observe("count_by_status", start, err)
		return nil, storeErr("count_by_status", err)
	}
	defer rows.Close()

	counts := make(StatusCounts, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			observe("count_by_status", start, err)
			return nil, storeErr("count_by_status", err)
		}
		counts[Status(status)] = n
	}
	err = rows.Err()
	observe("count_by_status", start, err)
	if err != nil {
		return nil, storeErr("count_by_status", err)
	}
	return counts, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	if _, err := uuid.Parse(ev.MessageID); err != nil {
		return ErrNotFound
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	payload, err := json.Marshal(nonNilMetadata(ev.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	query, args, err := psql.Insert(eventsTable).
		Columns("id", "message_id", "event_type", "payload", "user_agent", "source_address", "created_at").
		Values(ev.ID, ev.MessageID, string(ev.Type), payload, ev.UserAgent, ev.SourceAddress, ev.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert event query: %w", err)
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, query, args...)
	observe("append_event", start, err)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return storeErr("append_event", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, messageID string) ([]Event, error) {
	if _, err := s.Get(ctx, messageID); err != nil {
		return nil, err
	}

	query, args, err := psql.Select("id::text", "message_id::text", "event_type", "payload", "user_agent", "source_address", "created_at").
		From(eventsTable).
		Where(sq.Eq{"message_id": messageID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list events query: %w", err)
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		observe("list_events", start, err)
		return nil, storeErr("list_events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var evType string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.MessageID, &evType, &payload, &ev.UserAgent, &ev.SourceAddress, &ev.CreatedAt); err != nil {
			observe("list_events", start, err)
			return nil, storeErr("list_events", err)
		}
		ev.Type = EventType(evType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, storeErr("list_events", fmt.Errorf("decode payload: %w", err))
			}
		}
		events = append(events, ev)
	}
	err = rows.Err()
	observe("list_events", start, err)
	if err != nil {
		return nil, storeErr("list_events", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg    Message
		status string
		meta   []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.CorrelationID,
		&msg.To,
		&msg.Subject,
		&msg.HTMLBody,
		&msg.TextBody,
		&meta,
		&msg.PreferredSender,
		&msg.Sender,
		&status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&msg.NextAttemptAt,
		&msg.LastAttemptAt,
		&msg.SentAt,
		&msg.ProviderRef,
		&msg.ErrorKind,
		&msg.ErrorMessage,
		&msg.ClaimedBy,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(msg.Metadata) == 0 {
			msg.Metadata = nil
		}
	}
	return &msg, nil
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isForeignKeyViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23503"
}

func observe(query string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues(query).Inc()
	}
}

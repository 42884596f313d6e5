package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

const scheduleColumns = `id, conversation_id, interface_type, name, description,
	recurrence_rule, action_type, action_config, enabled, created_at,
	last_execution_at, next_scheduled_at, execution_count`

const listenerColumns = `id, conversation_id, interface_type, name, description,
	source_id, match_conditions, condition_script, action_type, action_config,
	one_time, enabled, created_at, last_execution_at, daily_executions,
	daily_reset_at`

// SQLStore persists automations in the shared SQLite database. Operations
// that touch both an automation row and the task queue run in one
// transaction.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLNow overrides the clock, for tests.
func WithSQLNow(now func() time.Time) SQLOption {
	return func(s *SQLStore) { s.now = now }
}

// NewSQLStore creates an automation store backed by db. The schema must
// already be applied (see storage.Open).
func NewSQLStore(db *sql.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	configJSON, err := json.Marshal(sched.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedule_automations (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID,
		sched.ConversationID,
		string(sched.InterfaceType),
		sched.Name,
		nullIfEmpty(sched.Description),
		sched.RecurrenceRule,
		string(sched.ActionType),
		string(configJSON),
		sched.Enabled,
		sched.CreatedAt.UTC(),
		nullableTime(sched.LastExecutionAt),
		nullableTime(sched.NextScheduledAt),
		sched.ExecutionCount,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create schedule automation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_automations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule automation: %w", err)
	}
	return sched, nil
}

func (s *SQLStore) ListSchedules(ctx context.Context, f Filter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_automations WHERE 1=1`
	var args []any
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule automations: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule automation: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule automations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SwapScheduleRule(ctx context.Context, id, rule string, next *time.Time, first *queue.EnqueueRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedule_automations SET recurrence_rule = ?, next_scheduled_at = ?
			WHERE id = ?`,
			rule, nullableTime(next), id)
		if err != nil {
			return fmt.Errorf("failed to update recurrence rule: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if err := s.cancelInstancesTx(ctx, tx, id); err != nil {
			return err
		}
		return s.enqueueTx(ctx, tx, first)
	})
}

func (s *SQLStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time, first *queue.EnqueueRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedule_automations SET enabled = ?, next_scheduled_at = ?
			WHERE id = ?`,
			enabled, nullableTime(next), id)
		if err != nil {
			return fmt.Errorf("failed to update enabled flag: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if !enabled {
			if err := s.cancelInstancesTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return s.enqueueTx(ctx, tx, first)
	})
}

func (s *SQLStore) MarkScheduleExecuted(ctx context.Context, id string, executedAt time.Time, next *time.Time, successor *queue.EnqueueRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedule_automations
			SET execution_count = execution_count + 1, last_execution_at = ?,
				next_scheduled_at = ?
			WHERE id = ?`,
			executedAt.UTC(), nullableTime(next), id)
		if err != nil {
			return fmt.Errorf("failed to record schedule execution: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return s.enqueueTx(ctx, tx, successor)
	})
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM schedule_automations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete schedule automation: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return s.cancelInstancesTx(ctx, tx, id)
	})
}

func (s *SQLStore) CreateListener(ctx context.Context, l *Listener) error {
	configJSON, err := json.Marshal(l.ActionConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal action config: %w", err)
	}
	conditions := l.MatchConditions
	if conditions == nil {
		conditions = map[string]any{}
	}
	conditionsJSON, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal match conditions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_listeners (`+listenerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.ConversationID,
		string(l.InterfaceType),
		l.Name,
		nullIfEmpty(l.Description),
		l.SourceID,
		string(conditionsJSON),
		nullIfEmpty(l.ConditionScript),
		string(l.ActionType),
		string(configJSON),
		l.OneTime,
		l.Enabled,
		l.CreatedAt.UTC(),
		nullableTime(l.LastExecutionAt),
		l.DailyExecutions,
		nullableTime(l.DailyResetAt),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create event listener: %w", err)
	}
	return nil
}

func (s *SQLStore) GetListener(ctx context.Context, id string) (*Listener, error) {
	l, err := scanListener(s.db.QueryRowContext(ctx,
		`SELECT `+listenerColumns+` FROM event_listeners WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event listener: %w", err)
	}
	return l, nil
}

func (s *SQLStore) ListListeners(ctx context.Context, f Filter) ([]*Listener, error) {
	query := `SELECT ` + listenerColumns + ` FROM event_listeners WHERE 1=1`
	var args []any
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC, name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event listeners: %w", err)
	}
	defer rows.Close()

	var out []*Listener
	for rows.Next() {
		l, err := scanListener(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event listener: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event listeners: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetListenerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_listeners SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update enabled flag: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) TriggerListener(ctx context.Context, id string, at time.Time, disable bool, task queue.EnqueueRequest) (bool, error) {
	at = at.UTC()
	y, mo, d := at.Date()
	dayStart := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)

	var triggered bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE event_listeners
			SET daily_executions = CASE
					WHEN last_execution_at IS NOT NULL AND last_execution_at >= ?
					THEN daily_executions + 1 ELSE 1 END,
				last_execution_at = ?`
		if disable {
			query += `, enabled = 0`
		}
		query += ` WHERE id = ? AND enabled = 1`

		res, err := tx.ExecContext(ctx, query, dayStart, at, id)
		if err != nil {
			return fmt.Errorf("failed to record listener trigger: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read trigger result: %w", err)
		}
		if affected == 0 {
			// Deleted, disabled, or a concurrent one_time dispatch won.
			return nil
		}
		triggered = true
		return s.enqueueTx(ctx, tx, &task)
	})
	if err != nil {
		return false, err
	}
	return triggered, nil
}

func (s *SQLStore) ResetDailyCounters(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_listeners SET daily_executions = 0, daily_reset_at = ?
		WHERE daily_executions <> 0`,
		at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStore) DeleteListener(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_listeners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event listener: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) NameAvailable(ctx context.Context, conversationID, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM schedule_automations WHERE conversation_id = ? AND name = ?)
			 + (SELECT COUNT(*) FROM event_listeners WHERE conversation_id = ? AND name = ?)`,
		conversationID, name, conversationID, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check name availability: %w", err)
	}
	return count == 0, nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) cancelInstancesTx(ctx context.Context, tx *sql.Tx, automationID string) error {
	_, err := queue.CancelMatchingTx(ctx, tx, s.now(), queue.Predicate{
		PayloadEquals: map[string]string{"automation_id": automationID},
	})
	return err
}

func (s *SQLStore) enqueueTx(ctx context.Context, tx *sql.Tx, req *queue.EnqueueRequest) error {
	if req == nil {
		return nil
	}
	_, err := queue.InsertTaskTx(ctx, tx, s.now(), *req)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var interfaceType string
	var actionType string
	var configJSON []byte
	var description sql.NullString
	var lastExecutionAt, nextScheduledAt sql.NullTime

	err := row.Scan(
		&sched.ID,
		&sched.ConversationID,
		&interfaceType,
		&sched.Name,
		&description,
		&sched.RecurrenceRule,
		&actionType,
		&configJSON,
		&sched.Enabled,
		&sched.CreatedAt,
		&lastExecutionAt,
		&nextScheduledAt,
		&sched.ExecutionCount,
	)
	if err != nil {
		return nil, err
	}

	sched.InterfaceType = models.InterfaceType(interfaceType)
	sched.ActionType = ActionType(actionType)
	sched.Description = description.String
	if lastExecutionAt.Valid {
		v := lastExecutionAt.Time
		sched.LastExecutionAt = &v
	}
	if nextScheduledAt.Valid {
		v := nextScheduledAt.Time
		sched.NextScheduledAt = &v
	}
	if len(configJSON) > 0 && string(configJSON) != "null" {
		if err := json.Unmarshal(configJSON, &sched.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
		}
	}
	return sched, nil
}

func scanListener(row rowScanner) (*Listener, error) {
	l := &Listener{}
	var interfaceType string
	var actionType string
	var configJSON, conditionsJSON []byte
	var description, conditionScript sql.NullString
	var lastExecutionAt, dailyResetAt sql.NullTime

	err := row.Scan(
		&l.ID,
		&l.ConversationID,
		&interfaceType,
		&l.Name,
		&description,
		&l.SourceID,
		&conditionsJSON,
		&conditionScript,
		&actionType,
		&configJSON,
		&l.OneTime,
		&l.Enabled,
		&l.CreatedAt,
		&lastExecutionAt,
		&l.DailyExecutions,
		&dailyResetAt,
	)
	if err != nil {
		return nil, err
	}

	l.InterfaceType = models.InterfaceType(interfaceType)
	l.ActionType = ActionType(actionType)
	l.Description = description.String
	l.ConditionScript = conditionScript.String
	if lastExecutionAt.Valid {
		v := lastExecutionAt.Time
		l.LastExecutionAt = &v
	}
	if dailyResetAt.Valid {
		v := dailyResetAt.Time
		l.DailyResetAt = &v
	}
	if len(conditionsJSON) > 0 && string(conditionsJSON) != "null" {
		if err := json.Unmarshal(conditionsJSON, &l.MatchConditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal match conditions: %w", err)
		}
	}
	if len(configJSON) > 0 && string(configJSON) != "null" {
		if err := json.Unmarshal(configJSON, &l.ActionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action config: %w", err)
		}
	}
	return l, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

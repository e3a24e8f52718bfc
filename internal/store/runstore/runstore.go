// Package runstore is the RDB adapter for JobRun/Event/Setting/AuditLog rows
// (spec.md §4.2). Its single conditional-update primitive is the only way
// any caller may move a run between states; rows_affected == 1 is the sole
// success signal, exactly as spec.md §4.2 requires.
package runstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/ctlerrors"
	"github.com/fleetctl/coordinator/internal/pkg/dbctx"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/statemachine"
)

// Expected pins the WHERE clause of a conditional update. Worker and Epoch
// are pointers because not every transition constrains them (spec.md's
// transition table, §4.5).
type Expected struct {
	State   domain.RunState
	Version int64
	Worker  *string
	Epoch   *int64
}

type Store interface {
	CreateRunIfAbsent(dbc dbctx.Context, run *domain.JobRun) (*domain.JobRun, bool, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.JobRun, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.JobRun, error)

	// UpdateRun is the single conditional-update primitive (spec.md §4.2).
	// newFields must not include state/version/updated_at; those are set
	// by the caller's desired `to` state and by this method respectively.
	UpdateRun(dbc dbctx.Context, id uuid.UUID, expected Expected, to domain.RunState, newFields map[string]any) (bool, error)

	// SetContinuation flips continuation_state without touching the run's
	// `state` column (it is orthogonal to the state machine, spec.md §4.5).
	// The WHERE clause pins state to expected.State; invariant (d) rests on
	// the caller, which passes RUNNING after checking the loaded run is
	// RUNNING.
	SetContinuation(dbc dbctx.Context, id uuid.UUID, expected Expected, continuation domain.ContinuationState, startedAt, deadlineAt *time.Time) (bool, error)

	ListPendingDue(dbc dbctx.Context, now time.Time, assignAhead time.Duration, limit int) ([]*domain.JobRun, error)
	ListAssignedStale(dbc dbctx.Context, reassignAfter time.Duration, now time.Time, limit int) ([]*domain.JobRun, error)
	ListAssignedDue(dbc dbctx.Context, now time.Time, limit int) ([]*domain.JobRun, error)
	ListNonTerminalByDefinition(dbc dbctx.Context, defID uuid.UUID) ([]*domain.JobRun, error)

	// LatestScheduledFor returns the scheduled_for of the most recently
	// materialized run for this definition (any state), the materializer's
	// backlog cursor (spec.md §8 testable property 9). found is false the
	// first time a definition is ever materialized.
	LatestScheduledFor(dbc dbctx.Context, defID uuid.UUID) (scheduledFor time.Time, found bool, err error)

	ListJobDefinitions(dbc dbctx.Context, enabledOnly bool) ([]*domain.JobDefinition, error)
	GetJobDefinition(dbc dbctx.Context, id uuid.UUID) (*domain.JobDefinition, error)

	InsertEventIfAbsent(dbc dbctx.Context, ev *domain.Event) (*domain.Event, bool, error)
	ListUnprocessedEvents(dbc dbctx.Context, limit int) ([]*domain.Event, error)
	MarkEventProcessed(dbc dbctx.Context, id uuid.UUID) error

	// CreateRunForEvent processes one event and materializes its run. When
	// the store supports transactions (Postgres always does) both writes
	// commit atomically; this resolves spec.md §9's first Open Question in
	// favor of "one transaction" (see DESIGN.md).
	CreateRunForEvent(dbc dbctx.Context, ev *domain.Event, run *domain.JobRun) (*domain.JobRun, bool, error)

	GetSetting(dbc dbctx.Context, key string) (*domain.Setting, error)
	ListSettings(dbc dbctx.Context) ([]*domain.Setting, error)

	RecordAudit(dbc dbctx.Context, category, subject, message string)
}

type store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) Store {
	return &store{db: db, log: log.With("store", "runstore")}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) CreateRunIfAbsent(dbc dbctx.Context, run *domain.JobRun) (*domain.JobRun, bool, error) {
	if run.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("runstore: idempotency_key required")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.State == "" {
		run.State = domain.StatePending
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}

	res := s.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(run)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// DoNothing path: a row already existed under this key. Fetch it so
		// the caller always receives the authoritative row (idempotent
		// creation, spec.md §4.2 / testable property 5/6).
		existing, ferr := s.getByIdempotencyKey(dbc, run.IdempotencyKey)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	return run, true, nil
}

func (s *store) getByIdempotencyKey(dbc dbctx.Context, key string) (*domain.JobRun, error) {
	var row domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("idempotency_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ctlerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.JobRun, error) {
	var row domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ctlerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.JobRun, error) {
	var rows []*domain.JobRun
	if len(ids) == 0 {
		return rows, nil
	}
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

// UpdateRun builds the single UPDATE whose WHERE clause enumerates every
// expected column, and treats rows_affected == 1 as the sole success signal
// (spec.md §4.2). The desired `to` state is validated against the shared
// transition table before the statement is even issued, so a programming
// error never reaches the database as a silent no-op.
func (s *store) UpdateRun(dbc dbctx.Context, id uuid.UUID, expected Expected, to domain.RunState, newFields map[string]any) (bool, error) {
	if !statemachine.CanTransition(expected.State, to) {
		return false, fmt.Errorf("runstore: illegal transition %s -> %s", expected.State, to)
	}

	q := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.JobRun{}).
		Where("id = ? AND state = ? AND version = ?", id, expected.State, expected.Version)
	if expected.Worker != nil {
		q = q.Where("assigned_worker_id = ?", *expected.Worker)
	}
	if expected.Epoch != nil {
		q = q.Where("leader_epoch = ?", *expected.Epoch)
	}

	updates := map[string]interface{}{
		"state":      to,
		"version":    expected.Version + 1,
		"updated_at": time.Now(),
	}
	for k, v := range newFields {
		updates[k] = v
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) SetContinuation(dbc dbctx.Context, id uuid.UUID, expected Expected, continuation domain.ContinuationState, startedAt, deadlineAt *time.Time) (bool, error) {
	q := s.tx(dbc).WithContext(dbc.Ctx).Model(&domain.JobRun{}).
		Where("id = ? AND state = ? AND version = ?", id, expected.State, expected.Version)
	if expected.Worker != nil {
		q = q.Where("assigned_worker_id = ?", *expected.Worker)
	}
	if expected.Epoch != nil {
		q = q.Where("leader_epoch = ?", *expected.Epoch)
	}
	res := q.Updates(map[string]interface{}{
		"continuation_state":             continuation,
		"continuation_check_started_at":  startedAt,
		"continuation_check_deadline_at": deadlineAt,
		"version":                        expected.Version + 1,
		"updated_at":                     time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *store) ListPendingDue(dbc dbctx.Context, now time.Time, assignAhead time.Duration, limit int) ([]*domain.JobRun, error) {
	var rows []*domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND scheduled_for <= ?", domain.StatePending, now.Add(assignAhead)).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *store) ListAssignedDue(dbc dbctx.Context, now time.Time, limit int) ([]*domain.JobRun, error) {
	var rows []*domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND scheduled_for <= ?", domain.StateAssigned, now).
		Order("assigned_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *store) ListAssignedStale(dbc dbctx.Context, reassignAfter time.Duration, now time.Time, limit int) ([]*domain.JobRun, error) {
	var rows []*domain.JobRun
	cutoff := now.Add(-reassignAfter)
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND assigned_at <= ? AND continuation_state = ?", domain.StateAssigned, cutoff, domain.ContinuationNone).
		Order("assigned_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *store) ListNonTerminalByDefinition(dbc dbctx.Context, defID uuid.UUID) ([]*domain.JobRun, error) {
	var rows []*domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("job_definition_id = ? AND state NOT IN ?", defID, []domain.RunState{
			domain.StateSucceeded, domain.StateFailed, domain.StateCanceled, domain.StateTimedOut, domain.StateSkipped,
		}).
		Find(&rows).Error
	return rows, err
}

func (s *store) LatestScheduledFor(dbc dbctx.Context, defID uuid.UUID) (time.Time, bool, error) {
	var row domain.JobRun
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("job_definition_id = ?", defID).
		Order("scheduled_for DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.ScheduledFor, true, nil
}

func (s *store) ListJobDefinitions(dbc dbctx.Context, enabledOnly bool) ([]*domain.JobDefinition, error) {
	var rows []*domain.JobDefinition
	q := s.tx(dbc).WithContext(dbc.Ctx)
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (s *store) GetJobDefinition(dbc dbctx.Context, id uuid.UUID) (*domain.JobDefinition, error) {
	var row domain.JobDefinition
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ctlerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store) InsertEventIfAbsent(dbc dbctx.Context, ev *domain.Event) (*domain.Event, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.DedupeKey == "" {
		// No dedupe key: insert unconditionally, every ingestion is distinct.
		err := s.tx(dbc).WithContext(dbc.Ctx).Create(ev).Error
		return ev, err == nil, err
	}
	res := s.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(ev)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing domain.Event
		if ferr := s.tx(dbc).WithContext(dbc.Ctx).Where("dedupe_key = ?", ev.DedupeKey).Take(&existing).Error; ferr != nil {
			return nil, false, ferr
		}
		return &existing, false, nil
	}
	return ev, true, nil
}

func (s *store) ListUnprocessedEvents(dbc dbctx.Context, limit int) ([]*domain.Event, error) {
	var rows []*domain.Event
	err := s.tx(dbc).WithContext(dbc.Ctx).
		Where("processed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *store) MarkEventProcessed(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now()
	return s.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Event{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", now).Error
}

func (s *store) CreateRunForEvent(dbc dbctx.Context, ev *domain.Event, run *domain.JobRun) (*domain.JobRun, bool, error) {
	base := s.tx(dbc)
	var result *domain.JobRun
	var created bool
	err := base.WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txn}
		row, wasNew, cerr := s.CreateRunIfAbsent(inner, run)
		if cerr != nil {
			return cerr
		}
		result, created = row, wasNew
		return s.MarkEventProcessed(inner, ev.ID)
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *store) GetSetting(dbc dbctx.Context, key string) (*domain.Setting, error) {
	var row domain.Setting
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ctlerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *store) ListSettings(dbc dbctx.Context) ([]*domain.Setting, error) {
	var rows []*domain.Setting
	err := s.tx(dbc).WithContext(dbc.Ctx).Find(&rows).Error
	return rows, err
}

func (s *store) RecordAudit(dbc dbctx.Context, category, subject, message string) {
	row := &domain.AuditLog{Category: category, Subject: subject, Message: message}
	if err := s.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		s.log.Warn("failed to record audit entry", "category", category, "subject", subject, "error", err)
	}
}

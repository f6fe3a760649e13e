package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardflow/wardflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG builds the Postgres-backed activity store.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const activityCols = `id, summary, notes, data_model, data_ref, state, sequence,
	parent_id, creator_id, user_id, assign_locked,
	create_uid, terminate_uid,
	date_scheduled, date_started, date_terminated,
	cancel_reason_id, created_at, updated_at`

func scanActivity(row pgx.Row) (*Activity, error) {
	var a Activity
	err := row.Scan(&a.ID, &a.Summary, &a.Notes, &a.DataModel, &a.DataRef, &a.State, &a.Sequence,
		&a.ParentID, &a.CreatorID, &a.UserID, &a.AssignLocked,
		&a.CreateUID, &a.TerminateUID,
		&a.DateScheduled, &a.DateStarted, &a.DateTerminated,
		&a.CancelReasonID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, act *Activity) error {
	if act.ID == uuid.Nil {
		act.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO activity (id, summary, notes, data_model, state,
			parent_id, creator_id, create_uid, date_scheduled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		act.ID, act.Summary, act.Notes, act.DataModel, act.State,
		act.ParentID, act.CreatorID, act.CreateUID, act.DateScheduled)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Activity, error) {
	return scanActivity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+activityCols+` FROM activity WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Activity, error) {
	return scanActivity(r.conn(ctx).QueryRow(ctx,
		`SELECT `+activityCols+` FROM activity WHERE id = $1 FOR UPDATE`, id))
}

// writeCols maps generic write fields to columns. Anything outside the
// list is rejected rather than interpolated.
var writeCols = map[string]string{
	"summary":          "summary",
	"notes":            "notes",
	"state":            "state",
	"parent_id":        "parent_id",
	"creator_id":       "creator_id",
	"user_id":          "user_id",
	"assign_locked":    "assign_locked",
	"create_uid":       "create_uid",
	"terminate_uid":    "terminate_uid",
	"date_scheduled":   "date_scheduled",
	"date_started":     "date_started",
	"date_terminated":  "date_terminated",
	"cancel_reason_id": "cancel_reason_id",
	"data_ref":         "data_ref",
}

func (r *repoPG) Write(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	for field, val := range fields {
		col, ok := writeCols[field]
		if !ok {
			return fmt.Errorf("%w: unknown activity field %q", ErrInvalidArgument, field)
		}
		if field == "state" {
			// The sequence is a table-wide audit counter, bumped only
			// when the state actually changes. The CASE reads the old
			// row value, so a same-state write leaves it alone.
			args = append(args, val)
			n := len(args)
			sets = append(sets,
				fmt.Sprintf("sequence = CASE WHEN state IS DISTINCT FROM $%d THEN (SELECT COALESCE(MAX(sequence), 0) + 1 FROM activity) ELSE sequence END", n),
				fmt.Sprintf("state = $%d", n))
			continue
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE activity SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CreatedBy(ctx context.Context, creatorID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id FROM activity WHERE creator_id = $1 ORDER BY id`, creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) FindOpen(ctx context.Context, model string, parentID *uuid.UUID) ([]*Activity, error) {
	q := `SELECT ` + activityCols + ` FROM activity
		WHERE data_model = $1 AND state NOT IN ('completed', 'cancelled')`
	args := []any{model}
	if parentID != nil {
		args = append(args, *parentID)
		q += ` AND parent_id = $2`
	}
	q += ` ORDER BY created_at, id`
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows)
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Activity, int, error) {
	where := []string{"TRUE"}
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.DataModel != "" {
		add("data_model = $%d", f.DataModel)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.ParentID != nil {
		add("parent_id = $%d", *f.ParentID)
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM activity WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM activity WHERE %s ORDER BY sequence DESC, created_at DESC LIMIT $%d OFFSET $%d`,
			activityCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectActivities(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// condCols are the activity columns a policy trigger domain may filter
// on.
var condCols = map[string]string{
	"state":      "state",
	"data_model": "data_model",
	"user_id":    "user_id",
	"creator_id": "creator_id",
}

func (r *repoPG) CountMatching(ctx context.Context, model string, parentID *uuid.UUID, conds []Condition) (int, error) {
	where := []string{"data_model = $1"}
	args := []any{model}
	if parentID != nil {
		args = append(args, *parentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	for _, c := range conds {
		col, ok := condCols[c.Field]
		if !ok {
			return 0, fmt.Errorf("%w: unknown domain field %q", ErrInvalidArgument, c.Field)
		}
		args = append(args, c.Value)
		n := len(args)
		switch c.Op {
		case OpEq:
			where = append(where, fmt.Sprintf("%s = $%d", col, n))
		case OpNotEq:
			where = append(where, fmt.Sprintf("%s <> $%d", col, n))
		case OpIn:
			where = append(where, fmt.Sprintf("%s = ANY($%d)", col, n))
		case OpNotIn:
			where = append(where, fmt.Sprintf("NOT (%s = ANY($%d))", col, n))
		default:
			return 0, fmt.Errorf("%w: unknown domain operator %q", ErrInvalidArgument, c.Op)
		}
	}
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM activity WHERE `+strings.Join(where, " AND "), args...).Scan(&total)
	return total, err
}

func (r *repoPG) CreateData(ctx context.Context, rec *DataRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	payload, err := rec.ValuesJSON()
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO activity_data (id, activity_id, model, vals)
		VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.ActivityID, rec.Model, payload)
	return err
}

func (r *repoPG) GetData(ctx context.Context, id uuid.UUID) (*DataRecord, error) {
	var rec DataRecord
	var payload []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, activity_id, model, vals, created_at, updated_at
		FROM activity_data WHERE id = $1`, id).
		Scan(&rec.ID, &rec.ActivityID, &rec.Model, &payload, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Values); err != nil {
		return nil, fmt.Errorf("decode data record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *repoPG) UpdateData(ctx context.Context, id uuid.UUID, vals map[string]any) error {
	payload, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	// jsonb concatenation updates the submitted fields in place and
	// keeps the rest of the record.
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE activity_data SET vals = vals || $2::jsonb, updated_at = NOW()
		WHERE id = $1`, id, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetCancelReasonByName(ctx context.Context, name string) (*CancelReason, error) {
	var cr CancelReason
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, system FROM cancel_reason WHERE name = $1`, name).
		Scan(&cr.ID, &cr.Name, &cr.System)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel reason %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

func collectActivities(rows pgx.Rows) ([]*Activity, error) {
	var items []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

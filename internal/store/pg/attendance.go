package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"qrattend.org/internal/attendance"
)

var _ attendance.Store = (*Store)(nil)

const tokenColumns = `id, issuer, subject, action, status, created_at, expires_at, resolved_at`

const entryColumns = `id, subject, in_time, out_time, approval_status, coalesce(approved_by, ''), approved_at, notes`

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (attendance.Token, error) {
	var (
		tok      attendance.Token
		action   string
		status   string
		resolved sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.Issuer, &tok.Subject, &action, &status, &tok.CreatedAt, &tok.ExpiresAt, &resolved); err != nil {
		return attendance.Token{}, err
	}
	tok.Action = attendance.Action(action)
	tok.Status = attendance.Status(status)
	tok.CreatedAt = tok.CreatedAt.UTC()
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	tok.ResolvedAt = timePtr(resolved)
	return tok, nil
}

func scanEntry(row scanner) (attendance.TimeEntry, error) {
	var (
		e        attendance.TimeEntry
		out      sql.NullTime
		approval string
		at       sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Subject, &e.InTime, &out, &approval, &e.ApprovedBy, &at, &e.Notes); err != nil {
		return attendance.TimeEntry{}, err
	}
	e.InTime = e.InTime.UTC()
	e.OutTime = timePtr(out)
	e.ApprovalStatus = attendance.ApprovalStatus(approval)
	e.ApprovedAt = timePtr(at)
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]attendance.TimeEntry, error) {
	defer rows.Close()
	var res []attendance.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Atomically runs fn inside a read-committed transaction. Rows read through
// the *ForUpdate methods stay locked until commit or rollback.
func (s *Store) Atomically(ctx context.Context, fn func(tx attendance.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return attendance.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Token(ctx context.Context, id string) (attendance.Token, error) {
	tok, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from qr_tokens where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Token{}, attendance.ErrNotFound
	}
	return tok, err
}

func (s *Store) Entries(ctx context.Context, subject string, limit int) ([]attendance.TimeEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from time_entries
		where subject = $1
		order by in_time desc
		limit $2
	`, subject, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) PendingEntries(ctx context.Context, subjects []string) ([]attendance.TimeEntry, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	args := make([]any, len(subjects))
	for i, sub := range subjects {
		args[i] = sub
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from time_entries
		where subject in (`+placeholders(1, len(subjects))+`)
		  and out_time is not null
		  and approval_status = 'Pending'
		order by in_time desc
	`, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) ApprovedEntries(ctx context.Context, subject string, from, to time.Time) ([]attendance.TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from time_entries
		where subject = $1
		  and approval_status = 'Approved'
		  and out_time is not null
		  and in_time >= $2 and in_time < $3
		order by in_time asc
	`, subject, from, to)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertToken(ctx context.Context, tok attendance.Token) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into qr_tokens(id, issuer, subject, action, status, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.Issuer, tok.Subject, string(tok.Action), string(tok.Status), tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return attendance.ErrConflict
			case pgErrForeignKeyViolation:
				return &attendance.NotFoundError{Resource: "member", ID: tok.Subject}
			}
		}
		return err
	}
	return nil
}

func (t *pgTx) ExpirePending(ctx context.Context, subject string, action attendance.Action, at time.Time) ([]attendance.Token, error) {
	rows, err := t.tx.QueryContext(ctx, `
		update qr_tokens
		set status = 'expired', resolved_at = $3
		where subject = $1 and action = $2 and status = 'pending'
		returning `+tokenColumns, subject, string(action), at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []attendance.Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (t *pgTx) TokenForUpdate(ctx context.Context, id string) (attendance.Token, error) {
	tok, err := scanToken(t.tx.QueryRowContext(ctx, `select `+tokenColumns+` from qr_tokens where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Token{}, attendance.ErrNotFound
	}
	return tok, err
}

func (t *pgTx) ResolveToken(ctx context.Context, id string, to attendance.Status, at time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", attendance.ErrInvalidInput, to)
	}
	res, err := t.tx.ExecContext(ctx, `
		update qr_tokens set status = $2, resolved_at = $3
		where id = $1 and status = 'pending'
	`, id, string(to), at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return attendance.ErrConflict
	}
	return nil
}

// OpenEntries locks the subject row first so that clock state changes for
// one member are serialized across tokens.
func (t *pgTx) OpenEntries(ctx context.Context, subject string) ([]attendance.TimeEntry, error) {
	var locked string
	err := t.tx.QueryRowContext(ctx, `select username from users where username = $1 for update`, subject).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &attendance.NotFoundError{Resource: "member", ID: subject}
	}
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, `
		select `+entryColumns+`
		from time_entries
		where subject = $1 and out_time is null
		order by in_time asc
	`, subject)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (t *pgTx) InsertEntry(ctx context.Context, e attendance.TimeEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into time_entries(id, subject, in_time, out_time, approval_status, notes)
		values ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Subject, e.InTime, nullTime(e.OutTime), string(e.ApprovalStatus), e.Notes)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return attendance.ErrConflict
	}
	return err
}

func (t *pgTx) CloseEntry(ctx context.Context, id string, out time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update time_entries
		set out_time = $2, approval_status = 'Pending', approved_by = null, approved_at = null
		where id = $1
	`, id, out)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (t *pgTx) EntryForUpdate(ctx context.Context, id string) (attendance.TimeEntry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `select `+entryColumns+` from time_entries where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.TimeEntry{}, attendance.ErrNotFound
	}
	return e, err
}

func (t *pgTx) ResolveEntry(ctx context.Context, id string, decision attendance.ApprovalStatus, by string, at time.Time, notes string) error {
	res, err := t.tx.ExecContext(ctx, `
		update time_entries
		set approval_status = $2, approved_by = $3, approved_at = $4, notes = $5
		where id = $1 and approval_status = 'Pending'
	`, id, string(decision), nullIfEmpty(by), at, notes)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return attendance.ErrConflict
	}
	return nil
}

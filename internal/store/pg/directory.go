package pg

import (
	"context"
	"database/sql"
	"errors"

	"qrattend.org/internal/directory"
)

var _ directory.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u directory.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(username, display_name, email, user_level, password_hash, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, u.Username, u.DisplayName, nullIfEmpty(u.Email), string(u.Level), u.PasswordHash, u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return directory.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) User(ctx context.Context, username string) (directory.User, error) {
	var (
		u     directory.User
		email sql.NullString
		level string
	)
	err := s.db.QueryRowContext(ctx, `
		select username, display_name, email, user_level, password_hash, created_at
		from users
		where username = $1
	`, username).Scan(&u.Username, &u.DisplayName, &email, &level, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	u.Email = email.String
	u.Level = directory.Level(level)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) AssignMember(ctx context.Context, lead, member string) error {
	return s.assign(ctx, `
		insert into lead_members(member, lead) values ($1, $2)
		on conflict (member) do update set lead = excluded.lead, created_at = now()
	`, member, lead)
}

func (s *Store) AssignLead(ctx context.Context, manager, lead string) error {
	return s.assign(ctx, `
		insert into manager_leads(lead, manager) values ($1, $2)
		on conflict (lead) do update set manager = excluded.manager, created_at = now()
	`, lead, manager)
}

func (s *Store) assign(ctx context.Context, query, child, parent string) error {
	_, err := s.db.ExecContext(ctx, query, child, parent)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return directory.ErrNotFound
	}
	return err
}

func (s *Store) LeadOf(ctx context.Context, member string) (string, error) {
	return s.parent(ctx, `select lead from lead_members where member = $1`, member)
}

func (s *Store) ManagerOf(ctx context.Context, lead string) (string, error) {
	return s.parent(ctx, `select manager from manager_leads where lead = $1`, lead)
}

func (s *Store) parent(ctx context.Context, query, child string) (string, error) {
	var parent string
	err := s.db.QueryRowContext(ctx, query, child).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", directory.ErrNotFound
	}
	return parent, err
}

func (s *Store) Members(ctx context.Context, lead string) ([]string, error) {
	return s.children(ctx, `select member from lead_members where lead = $1 order by member`, lead)
}

func (s *Store) Leads(ctx context.Context, manager string) ([]string, error) {
	return s.children(ctx, `select lead from manager_leads where manager = $1 order by lead`, manager)
}

func (s *Store) children(ctx context.Context, query, parent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

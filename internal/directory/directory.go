package directory

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
)

// Directory owns users and the hierarchy, and answers authorization
// questions for the attendance service.
type Directory struct {
	store Store
	now   func() time.Time
}

var _ attendance.Authorizer = (*Directory)(nil)

// New constructs a Directory.
func New(store Store) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	return &Directory{store: store, now: time.Now}, nil
}

// RegisterInput describes a new user.
type RegisterInput struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
	Level       Level
}

// Register validates and stores a new user. Managers and leads need a
// password; members never get one.
func (d *Directory) Register(ctx context.Context, in RegisterInput) (User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || len(username) > 50 {
		return User{}, fmt.Errorf("%w: username must be 1-50 characters", ErrInvalidInput)
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = username
	}
	email := strings.TrimSpace(in.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return User{}, fmt.Errorf("%w: invalid email", ErrInvalidInput)
		}
	}
	var hash string
	switch in.Level {
	case LevelManager, LevelLead:
		if in.Password == "" {
			return User{}, fmt.Errorf("%w: password is required for %s", ErrInvalidInput, in.Level)
		}
		h, err := auth.HashPassword(in.Password)
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err != nil {
			return User{}, err
		}
		hash = h
	case LevelMember:
	default:
		return User{}, fmt.Errorf("%w: unknown user level %q", ErrInvalidInput, in.Level)
	}

	u := User{
		Username:     username,
		DisplayName:  display,
		Email:        email,
		Level:        in.Level,
		PasswordHash: hash,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate checks a password login. Members are refused.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (User, error) {
	u, err := d.store.User(ctx, strings.TrimSpace(username))
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if u.Level == LevelMember {
		return User{}, ErrLoginNotAllowed
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// User returns a single user.
func (d *Directory) User(ctx context.Context, username string) (User, error) {
	return d.store.User(ctx, strings.TrimSpace(username))
}

// AssignMember places a member under a lead.
func (d *Directory) AssignMember(ctx context.Context, lead, member string) error {
	if err := d.expectLevel(ctx, lead, LevelLead); err != nil {
		return err
	}
	if err := d.expectLevel(ctx, member, LevelMember); err != nil {
		return err
	}
	return d.store.AssignMember(ctx, lead, member)
}

// AssignLead places a lead under a manager.
func (d *Directory) AssignLead(ctx context.Context, manager, lead string) error {
	if err := d.expectLevel(ctx, manager, LevelManager); err != nil {
		return err
	}
	if err := d.expectLevel(ctx, lead, LevelLead); err != nil {
		return err
	}
	return d.store.AssignLead(ctx, manager, lead)
}

func (d *Directory) expectLevel(ctx context.Context, username string, level Level) error {
	u, err := d.store.User(ctx, username)
	if err != nil {
		return fmt.Errorf("%s %q: %w", strings.ToLower(string(level)), username, err)
	}
	if u.Level != level {
		return fmt.Errorf("%w: %s is a %s, not a %s", ErrInvalidInput, username, u.Level, level)
	}
	return nil
}

// Team lists the direct reports of a lead (members) or manager (leads).
func (d *Directory) Team(ctx context.Context, username string) ([]User, error) {
	u, err := d.store.User(ctx, username)
	if err != nil {
		return nil, err
	}
	var names []string
	switch u.Level {
	case LevelLead:
		names, err = d.store.Members(ctx, username)
	case LevelManager:
		names, err = d.store.Leads(ctx, username)
	}
	if err != nil {
		return nil, err
	}
	team := make([]User, 0, len(names))
	for _, name := range names {
		member, err := d.store.User(ctx, name)
		if err != nil {
			return nil, err
		}
		team = append(team, member)
	}
	return team, nil
}

// CanIssue implements attendance.Authorizer.
func (d *Directory) CanIssue(ctx context.Context, issuer, subject string) error {
	return d.owns(ctx, issuer, subject)
}

// CanApprove implements attendance.Authorizer.
func (d *Directory) CanApprove(ctx context.Context, approver, subject string) error {
	return d.owns(ctx, approver, subject)
}

// owns reports whether actor sits above subject: a lead directly, or a
// manager through the subject's lead.
func (d *Directory) owns(ctx context.Context, actor, subject string) error {
	sub, err := d.store.User(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return &attendance.NotFoundError{Resource: "member", ID: subject}
	}
	if err != nil {
		return err
	}
	if sub.Level != LevelMember {
		return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "only members can be managed through QR codes"}
	}
	act, err := d.store.User(ctx, actor)
	if errors.Is(err, ErrNotFound) {
		return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "unknown user"}
	}
	if err != nil {
		return err
	}

	lead, err := d.store.LeadOf(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "member has no lead"}
	}
	if err != nil {
		return err
	}

	switch act.Level {
	case LevelLead:
		if lead == actor {
			return nil
		}
		return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "member is not assigned to this lead"}
	case LevelManager:
		manager, err := d.store.ManagerOf(ctx, lead)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if manager == actor {
			return nil
		}
		return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "member's lead does not report to this manager"}
	}
	return &attendance.AuthorizationError{Actor: actor, Subject: subject, Reason: "only managers and leads can act for members"}
}

// CanSelfRecord implements attendance.Authorizer. Leads and managers record
// their own attendance; members only through tokens.
func (d *Directory) CanSelfRecord(ctx context.Context, user string) error {
	u, err := d.store.User(ctx, user)
	if errors.Is(err, ErrNotFound) {
		return &attendance.NotFoundError{Resource: "user", ID: user}
	}
	if err != nil {
		return err
	}
	if u.Level == LevelMember {
		return &attendance.AuthorizationError{Actor: user, Subject: user, Reason: "members check in with QR codes"}
	}
	return nil
}

// Subordinates implements attendance.Authorizer.
func (d *Directory) Subordinates(ctx context.Context, approver string) ([]string, error) {
	u, err := d.store.User(ctx, approver)
	if errors.Is(err, ErrNotFound) {
		return nil, &attendance.AuthorizationError{Actor: approver, Reason: "unknown user"}
	}
	if err != nil {
		return nil, err
	}
	switch u.Level {
	case LevelLead:
		return d.store.Members(ctx, approver)
	case LevelManager:
		leads, err := d.store.Leads(ctx, approver)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, lead := range leads {
			members, err := d.store.Members(ctx, lead)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
		}
		return out, nil
	}
	return nil, &attendance.AuthorizationError{Actor: approver, Reason: "only managers and leads can review approvals"}
}

// EnsureManager creates the bootstrap manager if it does not exist yet.
func (d *Directory) EnsureManager(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" {
		return nil
	}
	if _, err := d.store.User(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := d.Register(ctx, RegisterInput{
		Username: username,
		Password: password,
		Level:    LevelManager,
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

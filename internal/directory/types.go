package directory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("directory: not found")
	ErrConflict           = errors.New("directory: already exists")
	ErrInvalidInput       = errors.New("directory: invalid input")
	ErrInvalidCredentials = errors.New("directory: invalid credentials")
	ErrLoginNotAllowed    = errors.New("directory: members sign in with QR codes only")
)

// Level is a user's tier in the Manager -> Lead -> Member hierarchy.
type Level string

const (
	LevelManager Level = "Manager"
	LevelLead    Level = "Lead"
	LevelMember  Level = "Member"
)

// ParseLevel accepts legacy names (Contractor, Worker) as Member.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manager":
		return LevelManager, nil
	case "lead":
		return LevelLead, nil
	case "member", "contractor", "worker":
		return LevelMember, nil
	}
	return "", fmt.Errorf("%w: unknown user level %q", ErrInvalidInput, raw)
}

// Role is the lower-case role name carried in session tokens.
func (l Level) Role() string { return strings.ToLower(string(l)) }

// User is a directory entry. PasswordHash is empty for members.
type User struct {
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	Level        Level     `json:"user_level"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

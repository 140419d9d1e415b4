package attendance

import (
	"fmt"
	"strings"
	"time"
)

// TokenTTL is the fixed validity window of an attendance token.
const TokenTTL = 300 * time.Second

// Action is the attendance action a token authorizes.
type Action string

const (
	ActionCheckIn  Action = "check-in"
	ActionCheckOut Action = "check-out"
)

// ParseAction normalizes user supplied action names.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "check-in", "checkin", "check_in", "in":
		return ActionCheckIn, nil
	case "check-out", "checkout", "check_out", "out":
		return ActionCheckOut, nil
	}
	return "", fmt.Errorf("%w: action must be 'check-in' or 'check-out'", ErrInvalidInput)
}

// Status is the lifecycle state of a token. Every state except Pending is terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusUsed || s == StatusExpired || s == StatusFailed
}

// ApprovalStatus is the approval state of a TimeEntry.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// ParseDecision accepts the two terminal approval states only.
func ParseDecision(raw string) (ApprovalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "approve":
		return ApprovalApproved, nil
	case "rejected", "reject":
		return ApprovalRejected, nil
	}
	return "", fmt.Errorf("%w: decision must be 'Approved' or 'Rejected'", ErrInvalidInput)
}

// Token is a short-lived credential authorizing one action for one subject.
type Token struct {
	ID         string     `json:"token"`
	Issuer     string     `json:"issuer"`
	Subject    string     `json:"subject"`
	Action     Action     `json:"action"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ExpiredAt reports whether the token's TTL has elapsed at now.
// A token is still valid at exactly ExpiresAt.
func (t Token) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TimedOut reports whether the token was expired by its TTL. A superseded
// token is resolved no later than its ExpiresAt.
func (t Token) TimedOut() bool {
	return t.Status == StatusExpired && t.ResolvedAt != nil && t.ResolvedAt.After(t.ExpiresAt)
}

// Remaining returns the TTL left at now, never negative.
func (t Token) Remaining(now time.Time) time.Duration {
	if t.Status != StatusPending {
		return 0
	}
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TimeEntry is a worker's check-in/check-out pair and its approval state.
type TimeEntry struct {
	ID             string         `json:"id"`
	Subject        string         `json:"subject"`
	InTime         time.Time      `json:"in_time"`
	OutTime        *time.Time     `json:"out_time,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

// Open reports whether the entry has no check-out yet.
func (e TimeEntry) Open() bool { return e.OutTime == nil }

// Hours returns the worked duration of a closed entry in hours.
func (e TimeEntry) Hours() float64 {
	if e.OutTime == nil {
		return 0
	}
	return e.OutTime.Sub(e.InTime).Hours()
}

// RedeemContext describes the device presenting a token.
type RedeemContext struct {
	// Member, when set, must match the token subject.
	Member     string
	RemoteAddr string
}

// Redemption is the result of a successful redeem.
type Redemption struct {
	Token      string    `json:"token"`
	Action     Action    `json:"action"`
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	EntryID    string    `json:"entry_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Issued is returned to the issuer after token creation.
type Issued struct {
	Token      Token
	Superseded []string
}

package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"qrattend.org/internal/attendance"
)

// ErrStillPending is returned by WaitResolved when the wait budget ran out
// before the token left Pending.
var ErrStillPending = errors.New("grpcapi: token still pending")

// Client wraps the gRPC token service.
type Client struct {
	conn   *grpc.ClientConn
	bearer string
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// WithBearer returns a copy of c that sends token as the session credential.
func (c *Client) WithBearer(token string) *Client {
	cp := *c
	cp.bearer = strings.TrimSpace(token)
	return &cp
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	if c.bearer != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.bearer)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// Issue asks the server to issue a token for subject and action.
func (c *Client) Issue(ctx context.Context, subject string, action attendance.Action) (attendance.Issued, error) {
	resp, err := c.invoke(ctx, methodIssue, map[string]any{
		"subject": subject,
		"action":  string(action),
	})
	if err != nil {
		return attendance.Issued{}, err
	}
	out := attendance.Issued{Token: tokenFromStruct(resp)}
	for _, v := range resp.GetFields()["superseded"].GetListValue().GetValues() {
		out.Superseded = append(out.Superseded, v.GetStringValue())
	}
	return out, nil
}

// Redeem presents token; member, when set, must be the token's subject.
func (c *Client) Redeem(ctx context.Context, token, member string) (attendance.Redemption, error) {
	fields := map[string]any{"token": token}
	if member != "" {
		fields["member"] = member
	}
	resp, err := c.invoke(ctx, methodRedeem, fields)
	if err != nil {
		return attendance.Redemption{}, err
	}
	return attendance.Redemption{
		Token:      stringField(resp, "token"),
		Action:     attendance.Action(stringField(resp, "action")),
		Subject:    stringField(resp, "subject"),
		Issuer:     stringField(resp, "issuer"),
		EntryID:    stringField(resp, "entry_id"),
		ResolvedAt: timeField(resp, "resolved_at"),
	}, nil
}

// Status reads the current token state.
func (c *Client) Status(ctx context.Context, token string) (attendance.Token, error) {
	resp, err := c.invoke(ctx, methodStatus, map[string]any{"token": token})
	if err != nil {
		return attendance.Token{}, err
	}
	return tokenFromStruct(resp), nil
}

// WaitOptions bounds polling in Wait. Zero fields take defaults.
type WaitOptions struct {
	// Interval is the first delay between polls; it doubles up to MaxInterval.
	Interval    time.Duration
	MaxInterval time.Duration
	// MaxWait bounds the whole wait. Defaults to the token TTL plus Interval.
	MaxWait     time.Duration
	MaxAttempts int
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxInterval  = 15 * time.Second
	defaultMaxAttempts  = 30
)

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.MaxInterval < o.Interval {
		o.MaxInterval = max(defaultMaxInterval, o.Interval)
	}
	if o.MaxWait <= 0 {
		o.MaxWait = attendance.TokenTTL + o.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	return o
}

// WaitResolved polls Status starting at interval until the token leaves
// Pending or maxWait elapses. See Wait.
func (c *Client) WaitResolved(ctx context.Context, token string, interval, maxWait time.Duration) (attendance.Token, error) {
	return c.Wait(ctx, token, WaitOptions{Interval: interval, MaxWait: maxWait})
}

// Wait polls Status with exponential backoff until the token leaves Pending.
// A token still pending when MaxWait or MaxAttempts runs out yields
// ErrStillPending with the last state seen. Cancellation of ctx itself is
// returned as ctx.Err().
func (c *Client) Wait(ctx context.Context, token string, opts WaitOptions) (attendance.Token, error) {
	opts = opts.withDefaults()
	waitCtx, cancel := context.WithTimeout(ctx, opts.MaxWait)
	defer cancel()

	var last attendance.Token
	delay := opts.Interval
	for attempt := 1; ; attempt++ {
		tok, err := c.Status(waitCtx, token)
		switch {
		case err == nil:
			last = tok
			if tok.Status != attendance.StatusPending {
				return tok, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		case waitCtx.Err() != nil:
			return last, ErrStillPending
		default:
			return last, err
		}
		if attempt >= opts.MaxAttempts {
			return last, ErrStillPending
		}

		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, ErrStillPending
		case <-timer.C:
		}
		delay = min(delay*2, opts.MaxInterval)
	}
}

func tokenFromStruct(s *structpb.Struct) attendance.Token {
	tok := attendance.Token{
		ID:        stringField(s, "token"),
		Issuer:    stringField(s, "issuer"),
		Subject:   stringField(s, "subject"),
		Action:    attendance.Action(stringField(s, "action")),
		Status:    attendance.Status(stringField(s, "status")),
		CreatedAt: timeField(s, "created_at"),
		ExpiresAt: timeField(s, "expires_at"),
	}
	if at := timeField(s, "resolved_at"); !at.IsZero() {
		tok.ResolvedAt = &at
	}
	return tok
}

func timeField(s *structpb.Struct, name string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, stringField(s, name))
	if err != nil {
		return time.Time{}
	}
	return t
}

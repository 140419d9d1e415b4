package grpcapi

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"qrattend.org/internal/attendance"
	"qrattend.org/internal/auth"
)

const bufSize = 1024 * 1024

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// leadAuthz lets "lead" act for "w1" and "w2".
type leadAuthz struct{}

func (leadAuthz) check(actor, subject string) error {
	if subject != "w1" && subject != "w2" {
		return &attendance.NotFoundError{Resource: "member", ID: subject}
	}
	if actor != "lead" {
		return &attendance.AuthorizationError{Actor: actor, Subject: subject}
	}
	return nil
}

func (a leadAuthz) CanIssue(_ context.Context, issuer, subject string) error {
	return a.check(issuer, subject)
}

func (a leadAuthz) CanApprove(_ context.Context, approver, subject string) error {
	return a.check(approver, subject)
}

func (leadAuthz) CanSelfRecord(_ context.Context, user string) error {
	if user != "lead" {
		return &attendance.AuthorizationError{Actor: user, Subject: user}
	}
	return nil
}

func (leadAuthz) Subordinates(context.Context, string) ([]string, error) {
	return []string{"w1", "w2"}, nil
}

type harness struct {
	client *Client
	conn   *grpc.ClientConn
	clock  *testClock
	signer *auth.Signer
}

func startBufGRPC(t *testing.T) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	svc, err := attendance.NewService(attendance.NewInMemory(), leadAuthz{}, attendance.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	signer, err := auth.NewSigner("grpc-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	listener := bufconn.Listen(bufSize)
	server, _ := Register(svc, signer)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.GracefulStop()
		_ = client.Close()
		_ = listener.Close()
	})

	return &harness{client: client, conn: client.conn, clock: clock, signer: signer}
}

func (h *harness) as(t *testing.T, user string) *Client {
	t.Helper()
	token, _, err := h.signer.GenerateToken(user, []string{"lead"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return h.client.WithBearer(token)
}

func TestGRPCIssueRedeemStatus(t *testing.T) {
	h := startBufGRPC(t)
	lead := h.as(t, "lead")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := lead.Issue(ctx, "w1", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, err := lead.Issue(ctx, "w1", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(second.Superseded) != 1 || second.Superseded[0] != first.Token.ID {
		t.Fatalf("expected supersession, got %v", second.Superseded)
	}
	if second.Token.Status != attendance.StatusPending || second.Token.ExpiresAt.Sub(second.Token.CreatedAt) != attendance.TokenTTL {
		t.Fatalf("unexpected token: %+v", second.Token)
	}

	// redeem needs no session
	red, err := h.client.Redeem(ctx, second.Token.ID, "")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if red.Subject != "w1" || red.EntryID == "" {
		t.Fatalf("unexpected redemption: %+v", red)
	}

	_, err = h.client.Redeem(ctx, second.Token.ID, "")
	var np *attendance.TokenNotPendingError
	if !errors.As(err, &np) || np.Status != attendance.StatusUsed {
		t.Fatalf("expected TokenNotPendingError(used), got %v", err)
	}

	tok, err := lead.Status(ctx, first.Token.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if tok.Status != attendance.StatusExpired || tok.ResolvedAt == nil {
		t.Fatalf("expected superseded token expired, got %+v", tok)
	}
}

func TestGRPCErrorKindsRoundTrip(t *testing.T) {
	h := startBufGRPC(t)
	lead := h.as(t, "lead")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.as(t, "stranger").Issue(ctx, "w1", attendance.ActionCheckIn)
	if kind, _ := attendance.KindOf(err); kind != attendance.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}

	_, err = lead.Issue(ctx, "w1", "nap")
	if !errors.Is(err, attendance.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	out, _ := lead.Issue(ctx, "w2", attendance.ActionCheckOut)
	_, err = h.client.Redeem(ctx, out.Token.ID, "")
	var pe *attendance.PreconditionError
	if !errors.As(err, &pe) || pe.Subject != "w2" || pe.OpenEntries != 0 {
		t.Fatalf("expected precondition error, got %v", err)
	}

	in, _ := lead.Issue(ctx, "w1", attendance.ActionCheckIn)
	h.clock.Advance(attendance.TokenTTL + time.Second)
	_, err = h.client.Redeem(ctx, in.Token.ID, "")
	var te *attendance.TokenExpiredError
	if !errors.As(err, &te) || !te.ExpiresAt.Equal(in.Token.ExpiresAt) {
		t.Fatalf("expected expiry error, got %v", err)
	}

	_, err = h.client.Redeem(ctx, "missing", "")
	if kind, _ := attendance.KindOf(err); kind != attendance.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGRPCRequiresSession(t *testing.T) {
	h := startBufGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.client.Issue(ctx, "w1", attendance.ActionCheckIn)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	_, err = h.client.WithBearer("garbage").Status(ctx, "x")
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestGRPCHealth(t *testing.T) {
	h := startBufGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(h.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %v", resp.GetStatus())
	}
}

func TestWaitResolved(t *testing.T) {
	h := startBufGRPC(t)
	lead := h.as(t, "lead")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issued, err := lead.Issue(ctx, "w1", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = lead.WaitResolved(ctx, issued.Token.ID, 10*time.Millisecond, 60*time.Millisecond)
	if !errors.Is(err, ErrStillPending) {
		t.Fatalf("expected bounded wait to give up, got %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = h.client.Redeem(context.Background(), issued.Token.ID, "w1")
	}()
	tok, err := lead.WaitResolved(ctx, issued.Token.ID, 10*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitResolved: %v", err)
	}
	if tok.Status != attendance.StatusUsed {
		t.Fatalf("expected used, got %s", tok.Status)
	}
}

func TestWaitStopsAtMaxAttempts(t *testing.T) {
	h := startBufGRPC(t)
	lead := h.as(t, "lead")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issued, err := lead.Issue(ctx, "w2", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	start := time.Now()
	tok, err := lead.Wait(ctx, issued.Token.ID, WaitOptions{
		Interval:    5 * time.Millisecond,
		MaxInterval: 20 * time.Millisecond,
		MaxWait:     4 * time.Second,
		MaxAttempts: 3,
	})
	if !errors.Is(err, ErrStillPending) {
		t.Fatalf("expected attempts to run out, got %v", err)
	}
	if tok.ID != issued.Token.ID || tok.Status != attendance.StatusPending {
		t.Fatalf("expected last pending state, got %+v", tok)
	}
	// 5ms + 10ms of backoff between three polls
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("attempt cap ignored, waited %s", elapsed)
	}
}

func TestWaitReportsCallerCancellation(t *testing.T) {
	h := startBufGRPC(t)
	lead := h.as(t, "lead")

	issued, err := lead.Issue(context.Background(), "w1", attendance.ActionCheckIn)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err = lead.Wait(ctx, issued.Token.ID, WaitOptions{Interval: 10 * time.Millisecond, MaxWait: 5 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitOptionsDefaults(t *testing.T) {
	opts := WaitOptions{}.withDefaults()
	if opts.Interval != defaultPollInterval || opts.MaxInterval != defaultMaxInterval || opts.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if opts.MaxWait != attendance.TokenTTL+defaultPollInterval {
		t.Fatalf("wait must not outlive the token ttl: %s", opts.MaxWait)
	}
	if got := (WaitOptions{Interval: time.Minute}).withDefaults().MaxInterval; got != time.Minute {
		t.Fatalf("max interval below interval, got %s", got)
	}
}

func TestFromStatusPassThrough(t *testing.T) {
	err := status.Error(codes.Unavailable, "down")
	if got := fromStatus(err); status.Code(got) != codes.Unavailable {
		t.Fatalf("expected pass through, got %v", got)
	}
	if fromStatus(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

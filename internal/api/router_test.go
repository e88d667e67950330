package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/internal/token"
	"github.com/transfa/crowdfunding-service/pkg/rabbitmq"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "crowdfunding-tests"
	testCustody    = "escrow"
)

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type stubLimiter struct {
	quota app.WriteQuota
	err   error
	kinds []app.WriteKind
}

func (s *stubLimiter) ConsumeWrite(ctx context.Context, caller domain.Address, kind app.WriteKind, window time.Duration) (app.WriteQuota, error) {
	s.kinds = append(s.kinds, kind)
	return s.quota, s.err
}

type testServer struct {
	handler http.Handler
	clock   *fakeClock
	usd     *token.ERC20
}

func newTestServer(t *testing.T, limiter app.WriteLimiter) *testServer {
	t.Helper()
	clock := &fakeClock{now: t0}
	registry := token.NewRegistry(testCustody)
	usd := token.NewERC20("usd")
	registry.Register(usd)
	for _, backer := range []domain.Address{"alice", "bob"} {
		if err := usd.Mint(backer, 1_000); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	if err := usd.Approve("alice", testCustody, 1_000); err != nil {
		t.Fatalf("approve: %v", err)
	}

	ledger := app.NewLedger(store.NewMemoryBackend(), registry, &rabbitmq.EventProducerFallback{}, nil, app.WithClock(clock))
	if err := ledger.Initialize(context.Background(), "admin", 50400*time.Second); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	handler := CampaignRoutes(NewCampaignHandlers(ledger), RouterOptions{
		Auth:        AuthOptions{SigningKey: testSigningKey, Issuer: testIssuer},
		Limiter:     limiter,
		WriteLimits: app.WriteLimits{Total: 3, PerKind: map[app.WriteKind]int{app.WriteLaunch: 1}},
	})
	return &testServer{handler: handler, clock: clock, usd: usd}
}

func signToken(t *testing.T, subject string, key string, issuer string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if issuer != "" {
		claims["iss"] = issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, caller, testSigningKey, testIssuer))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (s *testServer) launch(t *testing.T, goal int64) uint64 {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/campaigns", "creator", domain.LaunchRequest{
		Goal:    goal,
		Token:   "usd",
		StartAt: t0.Add(time.Minute).Unix(),
		EndAt:   t0.Add(time.Hour).Unix(),
	})
	expectStatus(t, rec, http.StatusCreated)
	return decode[launchResponse](t, rec).ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	expectStatus(t, s.do(t, http.MethodGet, "/health", "", nil), http.StatusOK)
}

func TestAuthMiddleware_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "not bearer", header: "Basic abc"},
		{name: "wrong key", header: "Bearer " + signToken(t, "alice", "other-key", testIssuer)},
		{name: "wrong issuer", header: "Bearer " + signToken(t, "alice", testSigningKey, "someone-else")},
		{name: "empty subject", header: "Bearer " + signToken(t, " ", testSigningKey, testIssuer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			expectStatus(t, rec, http.StatusUnauthorized)
		})
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.launch(t, 500)
	base := fmt.Sprintf("/campaigns/%d", id)

	expectStatus(t, s.do(t, http.MethodPost, base+"/pledge", "alice", domain.AmountRequest{Amount: 100}), http.StatusUnprocessableEntity)

	s.clock.now = t0.Add(time.Minute)
	rec := s.do(t, http.MethodPost, base+"/pledge", "alice", domain.AmountRequest{Amount: 600})
	expectStatus(t, rec, http.StatusOK)
	if p := decode[domain.Pledge](t, rec); p.Amount != 600 || p.Backer != "alice" {
		t.Fatalf("unexpected pledge response %+v", p)
	}

	rec = s.do(t, http.MethodPost, base+"/unpledge", "alice", domain.AmountRequest{Amount: 50})
	expectStatus(t, rec, http.StatusOK)
	if p := decode[domain.Pledge](t, rec); p.Amount != 550 {
		t.Fatalf("expected 550 after unpledge, got %+v", p)
	}

	rec = s.do(t, http.MethodGet, base+"/pledges/alice", "bob", nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decode[domain.Pledge](t, rec); p.Amount != 550 {
		t.Fatalf("expected pledge lookup of 550, got %+v", p)
	}

	rec = s.do(t, http.MethodGet, base+"/status", "bob", nil)
	expectStatus(t, rec, http.StatusOK)
	if st := decode[domain.CampaignStatus](t, rec); st.Phase != domain.PhaseOpen || st.Campaign.Pledged != 550 {
		t.Fatalf("unexpected status %+v", st)
	}

	expectStatus(t, s.do(t, http.MethodPost, base+"/claim", "creator", nil), http.StatusUnprocessableEntity)
	s.clock.now = t0.Add(time.Hour + time.Second)
	expectStatus(t, s.do(t, http.MethodPost, base+"/claim", "alice", nil), http.StatusForbidden)

	rec = s.do(t, http.MethodPost, base+"/claim", "creator", nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decode[payoutResponse](t, rec); p.Amount != 550 {
		t.Fatalf("expected payout of 550, got %+v", p)
	}
	if got := s.usd.BalanceOf("creator"); got != 550 {
		t.Fatalf("expected creator balance 550, got %d", got)
	}

	expectStatus(t, s.do(t, http.MethodPost, base+"/claim", "creator", nil), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodPost, base+"/refund", "alice", nil), http.StatusUnprocessableEntity)

	rec = s.do(t, http.MethodGet, "/campaigns", "bob", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decode[[]domain.Campaign](t, rec); len(list) != 1 || !list[0].Claimed {
		t.Fatalf("unexpected campaign list %+v", list)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.launch(t, 500)
	base := fmt.Sprintf("/campaigns/%d", id)

	expectStatus(t, s.do(t, http.MethodPost, base+"/cancel", "alice", nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPost, base+"/cancel", "creator", nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodGet, base, "creator", nil), http.StatusConflict)
	expectStatus(t, s.do(t, http.MethodGet, "/campaigns/99", "creator", nil), http.StatusNotFound)
	expectStatus(t, s.do(t, http.MethodGet, "/campaigns/abc", "creator", nil), http.StatusBadRequest)
}

func TestPledgeTransferFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.launch(t, 500)
	s.clock.now = t0.Add(time.Minute)

	// bob holds tokens but never approved the custody account.
	rec := s.do(t, http.MethodPost, fmt.Sprintf("/campaigns/%d/pledge", id), "bob", domain.AmountRequest{Amount: 10})
	expectStatus(t, rec, http.StatusBadGateway)
	if body := decode[map[string]string](t, rec); body["code"] != "TransferFailed" {
		t.Fatalf("expected TransferFailed code, got %+v", body)
	}
	if got := s.usd.BalanceOf("bob"); got != 1_000 {
		t.Fatalf("expected bob balance untouched, got %d", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	expectStatus(t, s.do(t, http.MethodPut, "/admin/max-duration", "alice", domain.DurationRequest{Seconds: 60}), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPut, "/admin/max-duration", "admin", domain.DurationRequest{Seconds: 0}), http.StatusUnprocessableEntity)

	rec := s.do(t, http.MethodPut, "/admin/max-duration", "admin", domain.DurationRequest{Seconds: 7200})
	expectStatus(t, rec, http.StatusOK)
	if p := decode[paramsResponse](t, rec); p.MaxDurationSeconds != 7200 || p.Admin != "admin" {
		t.Fatalf("unexpected params %+v", p)
	}

	rec = s.do(t, http.MethodPut, "/admin/min-duration", "admin", domain.DurationRequest{Seconds: 600})
	expectStatus(t, rec, http.StatusOK)
	if p := decode[paramsResponse](t, rec); p.MinDurationSeconds != 600 {
		t.Fatalf("unexpected params %+v", p)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/admin/upgrade", "admin", domain.UpgradeRequest{Version: 1}), http.StatusUnprocessableEntity)
	rec = s.do(t, http.MethodGet, "/admin/params", "bob", nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decode[paramsResponse](t, rec); p.LayoutVersion != 2 {
		t.Fatalf("expected layout version 2, got %+v", p)
	}
}

func TestOutOfRangeNumbersAreBadRequest(t *testing.T) {
	s := newTestServer(t, nil)
	start := t0.Add(time.Minute).Unix()
	year2300 := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{name: "start beyond storable range", method: http.MethodPost, path: "/campaigns",
			body: domain.LaunchRequest{Goal: 10, Token: "usd", StartAt: year2300, EndAt: year2300 + 60}},
		{name: "end beyond storable range", method: http.MethodPost, path: "/campaigns",
			body: domain.LaunchRequest{Goal: 10, Token: "usd", StartAt: start, EndAt: year2300}},
		{name: "end at max int64", method: http.MethodPost, path: "/campaigns",
			body: domain.LaunchRequest{Goal: 10, Token: "usd", StartAt: start, EndAt: math.MaxInt64}},
		{name: "start at min int64", method: http.MethodPost, path: "/campaigns",
			body: domain.LaunchRequest{Goal: 10, Token: "usd", StartAt: math.MinInt64, EndAt: start}},
		{name: "max duration overflows", method: http.MethodPut, path: "/admin/max-duration",
			body: domain.DurationRequest{Seconds: math.MaxInt64/int64(time.Second) + 1}},
		{name: "max duration wraps positive", method: http.MethodPut, path: "/admin/max-duration",
			body: domain.DurationRequest{Seconds: math.MaxInt64}},
		{name: "min duration overflows negative", method: http.MethodPut, path: "/admin/min-duration",
			body: domain.DurationRequest{Seconds: math.MinInt64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, s.do(t, tt.method, tt.path, "admin", tt.body), http.StatusBadRequest)
		})
	}

	rec := s.do(t, http.MethodGet, "/admin/params", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if p := decode[paramsResponse](t, rec); p.MaxDurationSeconds != 50400 || p.MinDurationSeconds != 0 {
		t.Fatalf("expected rejected requests to leave params unchanged, got %+v", p)
	}
	rec = s.do(t, http.MethodGet, "/campaigns", "admin", nil)
	expectStatus(t, rec, http.StatusOK)
	if campaigns := decode[[]domain.Campaign](t, rec); len(campaigns) != 0 {
		t.Fatalf("expected no campaigns, got %d", len(campaigns))
	}
}

func TestWriteRateLimitMiddleware(t *testing.T) {
	limited := &stubLimiter{quota: app.WriteQuota{KindCount: 1, TotalCount: 4, RetryAfterSeconds: 42}}
	s := newTestServer(t, limited)

	rec := s.do(t, http.MethodPost, "/campaigns/1/cancel", "creator", nil)
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected Retry-After 42, got %q", rec.Header().Get("Retry-After"))
	}

	expectStatus(t, s.do(t, http.MethodGet, "/campaigns", "creator", nil), http.StatusOK)
	if len(limited.kinds) != 1 || limited.kinds[0] != app.WriteCancel {
		t.Fatalf("expected one cancel write and reads to bypass the limiter, got %v", limited.kinds)
	}

	failing := &stubLimiter{err: errors.New("redis down")}
	s = newTestServer(t, failing)
	s.launch(t, 10)
	if len(failing.kinds) != 1 || failing.kinds[0] != app.WriteLaunch {
		t.Fatalf("expected limiter to be consulted for the launch, got %v", failing.kinds)
	}
}

func TestWriteRateLimitMiddleware_PerKindLimit(t *testing.T) {
	// Second write of its kind in the window, well within the aggregate limit.
	limiter := &stubLimiter{quota: app.WriteQuota{KindCount: 2, TotalCount: 2, RetryAfterSeconds: 30}}
	s := newTestServer(t, limiter)

	rec := s.do(t, http.MethodPost, "/campaigns", "creator", domain.LaunchRequest{
		Goal:    10,
		Token:   "usd",
		StartAt: t0.Add(time.Minute).Unix(),
		EndAt:   t0.Add(time.Hour).Unix(),
	})
	expectStatus(t, rec, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", rec.Header().Get("Retry-After"))
	}

	// Pledges carry no kind limit of their own.
	rec = s.do(t, http.MethodPost, "/campaigns/9/pledge", "alice", domain.AmountRequest{Amount: 1})
	expectStatus(t, rec, http.StatusNotFound)

	want := []app.WriteKind{app.WriteLaunch, app.WritePledge}
	if len(limiter.kinds) != len(want) || limiter.kinds[0] != want[0] || limiter.kinds[1] != want[1] {
		t.Fatalf("expected kinds %v, got %v", want, limiter.kinds)
	}
}

func TestWriteKind(t *testing.T) {
	tests := []struct {
		path string
		want app.WriteKind
	}{
		{path: "/campaigns", want: app.WriteLaunch},
		{path: "/campaigns/", want: app.WriteLaunch},
		{path: "/campaigns/7/pledge", want: app.WritePledge},
		{path: "/campaigns/7/unpledge", want: app.WriteUnpledge},
		{path: "/campaigns/7/claim", want: app.WriteClaim},
		{path: "/campaigns/7/refund", want: app.WriteRefund},
		{path: "/campaigns/7/cancel/", want: app.WriteCancel},
		{path: "/admin/max-duration", want: app.WriteAdmin},
		{path: "/admin/upgrade", want: app.WriteAdmin},
	}
	for _, tt := range tests {
		if got := writeKind(tt.path); got != tt.want {
			t.Fatalf("writeKind(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: domain.ErrZeroAmount, want: http.StatusUnprocessableEntity},
		{err: domain.ErrNotCreator, want: http.StatusForbidden},
		{err: domain.ErrCampaignNotFound, want: http.StatusNotFound},
		{err: domain.ErrAlreadyClaimed, want: http.StatusConflict},
		{err: fmt.Errorf("%w: %w", domain.ErrTransferFailed, errors.New("declined")), want: http.StatusBadGateway},
		{err: fmt.Errorf("%w: %w", domain.ErrLedgerBusy, context.DeadlineExceeded), want: http.StatusServiceUnavailable},
		{err: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/djgnfj-svg/resee/backend/internal/auth"
	"github.com/djgnfj-svg/resee/backend/internal/events"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubOwnerDirectory struct {
	ownerID schedules.OwnerID
	tier    tiers.Tier
	err     error
}

func (s stubOwnerDirectory) ResolveOwnerID(context.Context, auth.SessionClaims) (schedules.OwnerID, error) {
	return s.ownerID, s.err
}

func (s stubOwnerDirectory) TierOrDefault(_ context.Context, _ schedules.OwnerID, fallback tiers.Tier) (tiers.Tier, error) {
	if s.tier.IsValid() {
		return s.tier, nil
	}
	return fallback, nil
}

type stubEventHandler struct {
	result events.Result
	err    error
}

func (s stubEventHandler) Handle(context.Context, events.Envelope) (events.Result, error) {
	return s.result, s.err
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	complete := Dependencies{
		SessionValidator: stubSessionValidator{},
		Owners:           stubOwnerDirectory{},
		Schedules:        &schedules.Service{},
		Events:           stubEventHandler{},
		InternalToken:    "internal",
		DefaultTier:      tiers.Free,
	}
	tests := []struct {
		name     string
		mutate   func(*Dependencies)
		expected error
	}{
		{name: "missing-validator", mutate: func(d *Dependencies) { d.SessionValidator = nil }, expected: errMissingSessionValidator},
		{name: "missing-owners", mutate: func(d *Dependencies) { d.Owners = nil }, expected: errMissingOwnerDirectory},
		{name: "missing-schedules", mutate: func(d *Dependencies) { d.Schedules = nil }, expected: errMissingSchedules},
		{name: "missing-events", mutate: func(d *Dependencies) { d.Events = nil }, expected: errMissingEventHandler},
		{name: "missing-internal-token", mutate: func(d *Dependencies) { d.InternalToken = " " }, expected: errMissingInternalToken},
		{name: "invalid-default-tier", mutate: func(d *Dependencies) { d.DefaultTier = 0 }, expected: tiers.ErrInvalidTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := complete
			tt.mutate(&deps)
			if _, err := NewHTTPHandler(deps); !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
		})
	}
	if _, err := NewHTTPHandler(complete); err != nil {
		t.Fatalf("unexpected error for complete dependencies: %v", err)
	}
}

func TestHandleGetScheduleIncludesServiceErrorCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Set(ownerIDContextKey, "owner-1")
	ctx.Params = gin.Params{{Key: "content_id", Value: "card-1"}}
	ctx.Request = httptest.NewRequest(http.MethodGet, "/schedules/card-1", http.NoBody)

	handler := &httpHandler{
		schedules: &schedules.Service{},
		logger:    zap.NewNop(),
	}

	handler.handleGetSchedule(ctx)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "schedules.get.missing_database" {
		t.Fatalf("expected service error code, got %v", payload["code"])
	}
	if payload["error"] != "schedule_lookup_failed" {
		t.Fatalf("unexpected error message %v", payload["error"])
	}
}

func TestHandleApplyOutcomeValidatesBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name      string
		contentID string
		body      string
		wantError string
	}{
		{name: "malformed-json", contentID: "card-1", body: `{"result":`, wantError: "invalid_request"},
		{name: "unknown-result", contentID: "card-1", body: `{"result":"perfect"}`, wantError: "invalid_result"},
		{name: "blank-content", contentID: " ", body: `{"result":"succeeded"}`, wantError: "invalid_content_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Set(ownerIDContextKey, "owner-1")
			ctx.Params = gin.Params{{Key: "content_id", Value: tt.contentID}}
			request := httptest.NewRequest(http.MethodPost, "/schedules/x/outcomes", strings.NewReader(tt.body))
			request.Header.Set("Content-Type", "application/json")
			ctx.Request = request

			handler := &httpHandler{
				owners:      stubOwnerDirectory{},
				schedules:   &schedules.Service{},
				defaultTier: tiers.Free,
				logger:      zap.NewNop(),
			}
			handler.handleApplyOutcome(ctx)

			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request, got %d", recorder.Code)
			}
			expected := fmt.Sprintf(`{"error":%q}`, tt.wantError)
			if recorder.Body.String() != expected {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}
}

func TestAuthorizeRequestLogsExpiredSessionAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/schedules/due", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		owners:   stubOwnerDirectory{ownerID: "owner-1"},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "session validation failed" {
		t.Fatalf("unexpected log entry %+v", entries[0])
	}
}

func TestAuthorizeRequestLogsInvalidSessionAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/schedules/due", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		owners:   stubOwnerDirectory{ownerID: "owner-1"},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Fatalf("expected a warning for an invalid session")
	}
}

func TestAuthorizeRequestStoresOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/schedules/due", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "google:owner-1"}},
		owners:   stubOwnerDirectory{ownerID: "owner-1"},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected request to continue, got status %d", recorder.Code)
	}
	if ctx.GetString(ownerIDContextKey) != "owner-1" {
		t.Fatalf("expected owner id in context, got %q", ctx.GetString(ownerIDContextKey))
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "inactive", err: fmt.Errorf("wrap: %w", schedules.ErrScheduleInactive), status: http.StatusNotFound, message: "schedule_inactive"},
		{name: "not-found", err: schedules.ErrScheduleNotFound, status: http.StatusNotFound, message: "schedule_not_found"},
		{name: "duplicate", err: schedules.ErrDuplicateSchedule, status: http.StatusConflict, message: "duplicate_schedule"},
		{name: "conflict", err: schedules.ErrConcurrentModification, status: http.StatusConflict, message: "concurrent_modification"},
		{name: "tier", err: tiers.ErrInvalidTier, status: http.StatusBadRequest, message: "invalid_tier"},
		{name: "result", err: schedules.ErrInvalidResult, status: http.StatusBadRequest, message: "invalid_result"},
		{name: "metadata", err: schedules.ErrInvalidMetadata, status: http.StatusBadRequest, message: "invalid_metadata"},
		{name: "identifier", err: schedules.ErrInvalidContentID, status: http.StatusBadRequest, message: "invalid_identifier"},
		{name: "event", err: events.ErrMalformedEvent, status: http.StatusBadRequest, message: "invalid_event"},
		{name: "other", err: errors.New("disk full"), status: http.StatusInternalServerError, message: "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := classifyError(tt.err, "fallback")
			if status != tt.status || message != tt.message {
				t.Fatalf("classifyError(%v) = %d %s, expected %d %s", tt.err, status, message, tt.status, tt.message)
			}
		})
	}
}

func corsPreflight(t *testing.T, allowedOrigins []string, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.OPTIONS("/schedules/due", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/schedules/due", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "X-TAuth-Tenant")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsConfiguredOriginWithCredentials(t *testing.T) {
	recorder := corsPreflight(t, []string{"https://app.example.com"}, "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("expected configured origin to be echoed, got %q", origin)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower("X-TAuth-Tenant")) {
		t.Fatalf("expected Access-Control-Allow-Headers to include X-TAuth-Tenant, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCORSMiddlewareRefusesUnknownOrigin(t *testing.T) {
	recorder := corsPreflight(t, []string{"https://app.example.com"}, "https://evil.example")

	if recorder.Code == http.StatusNoContent {
		t.Fatalf("expected preflight from unknown origin to be refused")
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no allowed origin, got %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no credentials for unknown origin")
	}
}

func TestCORSMiddlewareWithoutOriginsNeverAllowsCredentials(t *testing.T) {
	recorder := corsPreflight(t, nil, "https://evil.example")

	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected credentials to stay disabled")
	}
}

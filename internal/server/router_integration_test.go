package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/auth"
	"github.com/djgnfj-svg/resee/backend/internal/events"
	"github.com/djgnfj-svg/resee/backend/internal/owners"
	"github.com/djgnfj-svg/resee/backend/internal/realtime"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
	testInternalToken = "internal-token"
	testOwnerID       = "learner-1"
)

var serverNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type serverFixture struct {
	server     *httptest.Server
	dispatcher *realtime.Dispatcher
	session    string
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&schedules.ScheduleState{}, &schedules.ReviewOutcome{}, &owners.Identity{}, &owners.Owner{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return serverNow }
	dispatcher := realtime.NewDispatcher()
	scheduleService, err := schedules.NewService(schedules.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: schedules.NewUUIDProvider(),
		Table:      tiers.MustDefaultTable(),
		Notifier:   realtime.NewNotifier(dispatcher, nil, zap.NewNop()),
	})
	if err != nil {
		t.Fatalf("failed to construct schedules service: %v", err)
	}
	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct owners service: %v", err)
	}
	eventHandler, err := events.NewHandler(events.HandlerConfig{
		Scheduler:    scheduleService,
		Entitlements: ownerService,
		DefaultTier:  tiers.Free,
	})
	if err != nil {
		t.Fatalf("failed to construct event handler: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		Owners:            ownerService,
		Schedules:         scheduleService,
		Events:            eventHandler,
		Realtime:          dispatcher,
		InternalToken:     testInternalToken,
		DefaultTier:       tiers.Free,
		HeartbeatInterval: time.Hour,
		Clock:             clock,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return serverFixture{
		server:     server,
		dispatcher: dispatcher,
		session:    mustSessionToken(t, "google:"+testOwnerID),
	}
}

func mustSessionToken(t *testing.T, userID string) string {
	t.Helper()
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TTL:           time.Hour,
		Clock:         func() time.Time { return serverNow.Add(-time.Minute) },
	})
	if err != nil {
		t.Fatalf("failed to construct session issuer: %v", err)
	}
	signed, _, err := issuer.Issue(auth.SessionClaims{UserID: userID, UserEmail: "learner@example.com"})
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return signed
}

func (f serverFixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, payload
}

func (f serverFixture) owner(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{"Cookie": testCookieName + "=" + f.session})
}

func (f serverFixture) internal(t *testing.T, envelope events.Envelope) (int, []byte) {
	t.Helper()
	body, err := envelope.Encode()
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	return f.do(t, http.MethodPost, "/internal/events", string(body), map[string]string{internalTokenHeader: testInternalToken})
}

func mustDecode(t *testing.T, payload []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(payload, target); err != nil {
		t.Fatalf("failed to decode %s: %v", payload, err)
	}
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	fixture := newServerFixture(t)

	status, _ := fixture.do(t, http.MethodPost, "/internal/events", `{"type":"content.created"}`, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected internal route to require a token, got %d", status)
	}

	status, body := fixture.internal(t, events.Envelope{
		Type:      events.TypeContentCreated,
		OwnerID:   testOwnerID,
		ContentID: "card-1",
		Category:  "vocab",
	})
	if status != http.StatusOK {
		t.Fatalf("expected content creation to succeed, got %d: %s", status, body)
	}
	var created eventResponse
	mustDecode(t, body, &created)
	if created.Schedule == nil || created.Schedule.NextDueAtS != serverNow.Unix() || created.Schedule.FirstReviewDone {
		t.Fatalf("unexpected created schedule %+v", created.Schedule)
	}

	status, body = fixture.internal(t, events.Envelope{Type: events.TypeContentCreated, OwnerID: testOwnerID, ContentID: "card-1"})
	if status != http.StatusConflict {
		t.Fatalf("expected duplicate creation to conflict, got %d: %s", status, body)
	}
	var conflict map[string]any
	mustDecode(t, body, &conflict)
	if conflict["code"] != "schedules.create.duplicate_schedule" {
		t.Fatalf("unexpected conflict payload %v", conflict)
	}

	status, _ = fixture.do(t, http.MethodGet, "/schedules/due", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected due set to require a session, got %d", status)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/due", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected due status %d: %s", status, body)
	}
	var due dueSetPayload
	mustDecode(t, body, &due)
	if due.DueCount != 1 || due.ActiveCount != 1 || due.Tier != "free" || len(due.Items) != 1 || due.Items[0].ContentID != "card-1" {
		t.Fatalf("unexpected due set %+v", due)
	}

	status, body = fixture.owner(t, http.MethodPost, "/schedules/card-1/outcomes", `{"result":"succeeded","score":0.9,"metadata":{"source":"quiz"}}`)
	if status != http.StatusOK {
		t.Fatalf("unexpected outcome status %d: %s", status, body)
	}
	var applied applyOutcomeResponse
	mustDecode(t, body, &applied)
	if applied.Schedule.IntervalIndex != 1 || !applied.Schedule.FirstReviewDone {
		t.Fatalf("unexpected schedule after success %+v", applied.Schedule)
	}
	if applied.Schedule.NextDueAtS != serverNow.Add(3*24*time.Hour).Unix() {
		t.Fatalf("expected next review in 3 days, got %s", applied.Schedule.NextDueAt)
	}
	if applied.Outcome.Tier != "free" || applied.Outcome.IntervalIndexBefore != 0 || applied.Outcome.IntervalIndexAfter != 1 {
		t.Fatalf("unexpected outcome %+v", applied.Outcome)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/due", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected due status %d", status)
	}
	mustDecode(t, body, &due)
	if due.DueCount != 0 || due.ActiveCount != 1 {
		t.Fatalf("expected nothing due after review, got %+v", due)
	}

	at := serverNow.Add(3 * 24 * time.Hour).Format(time.RFC3339)
	status, body = fixture.owner(t, http.MethodGet, "/schedules/due?category=vocab&at="+at, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected due status %d", status)
	}
	mustDecode(t, body, &due)
	if due.DueCount != 1 {
		t.Fatalf("expected item due in three days, got %+v", due)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/card-1/outcomes", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected outcomes status %d", status)
	}
	var history struct {
		Outcomes []outcomePayload `json:"outcomes"`
	}
	mustDecode(t, body, &history)
	if len(history.Outcomes) != 1 || history.Outcomes[0].Result != "succeeded" || string(history.Outcomes[0].Metadata) != `{"source":"quiz"}` {
		t.Fatalf("unexpected history %+v", history.Outcomes)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/missing", "")
	if status != http.StatusNotFound {
		t.Fatalf("expected missing schedule to 404, got %d", status)
	}
	var missing map[string]any
	mustDecode(t, body, &missing)
	if missing["code"] != "schedules.get.schedule_not_found" {
		t.Fatalf("unexpected missing payload %v", missing)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/due?at=yesterday", "")
	if status != http.StatusBadRequest {
		t.Fatalf("expected invalid at to fail, got %d: %s", status, body)
	}
}

func TestEntitlementAndDeletionEvents(t *testing.T) {
	fixture := newServerFixture(t)

	if status, body := fixture.internal(t, events.Envelope{Type: events.TypeContentCreated, OwnerID: testOwnerID, ContentID: "card-1"}); status != http.StatusOK {
		t.Fatalf("unexpected create status %d: %s", status, body)
	}

	status, body := fixture.internal(t, events.Envelope{
		Type:       events.TypeEntitlementChanged,
		OwnerID:    testOwnerID,
		Tier:       "basic",
		OccurredAt: serverNow,
	})
	if status != http.StatusOK {
		t.Fatalf("unexpected entitlement status %d: %s", status, body)
	}
	var entitlement eventResponse
	mustDecode(t, body, &entitlement)
	if entitlement.Tier != "basic" || entitlement.Examined != 1 {
		t.Fatalf("unexpected entitlement response %+v", entitlement)
	}

	status, body = fixture.owner(t, http.MethodGet, "/schedules/due", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected due status %d", status)
	}
	var due dueSetPayload
	mustDecode(t, body, &due)
	if due.Tier != "basic" {
		t.Fatalf("expected upgraded tier, got %s", due.Tier)
	}

	status, body = fixture.internal(t, events.Envelope{Type: events.TypeContentDeleted, OwnerID: testOwnerID, ContentID: "card-1"})
	if status != http.StatusOK {
		t.Fatalf("unexpected delete status %d: %s", status, body)
	}

	status, body = fixture.owner(t, http.MethodPost, "/schedules/card-1/outcomes", `{"result":"succeeded"}`)
	if status != http.StatusNotFound {
		t.Fatalf("expected outcome for deleted content to 404, got %d: %s", status, body)
	}
	var inactive map[string]any
	mustDecode(t, body, &inactive)
	if inactive["error"] != "schedule_inactive" {
		t.Fatalf("unexpected inactive payload %v", inactive)
	}

	status, body = fixture.internal(t, events.Envelope{Type: "content.renamed", OwnerID: testOwnerID})
	if status != http.StatusBadRequest {
		t.Fatalf("expected unknown event to be rejected, got %d: %s", status, body)
	}
}

func TestScheduleStreamEmitsChanges(t *testing.T) {
	fixture := newServerFixture(t)
	if status, body := fixture.internal(t, events.Envelope{Type: events.TypeContentCreated, OwnerID: testOwnerID, ContentID: "card-1"}); status != http.StatusOK {
		t.Fatalf("unexpected create status %d: %s", status, body)
	}

	streamRequest, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/schedules/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+fixture.session)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	if fixture.dispatcher.SubscriberCount(testOwnerID) != 1 {
		t.Fatalf("expected one subscriber, got %d", fixture.dispatcher.SubscriberCount(testOwnerID))
	}

	if status, body := fixture.owner(t, http.MethodPost, "/schedules/card-1/outcomes", `{"result":"partial"}`); status != http.StatusOK {
		t.Fatalf("unexpected outcome status %d: %s", status, body)
	}

	type readResult struct {
		line string
		err  error
	}
	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for schedule event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != realtime.EventScheduleChanged {
				continue
			}
			var payload streamEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.ContentIDs) != 1 || payload.ContentIDs[0] != "card-1" {
				t.Fatalf("unexpected content ids %v", payload.ContentIDs)
			}
			return
		}
	}
}

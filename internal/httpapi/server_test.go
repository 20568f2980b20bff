package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/groupsync/internal/membersync"
	"github.com/agentworkforce/groupsync/internal/queue"
)

const testSecret = "internal-test-secret"

type fakeSyncer struct {
	mu        sync.Mutex
	users     []string
	groups    []string
	syncUser  func(username string) (membersync.Result, error)
	syncGroup func(groupID string) (membersync.Result, error)
}

func (f *fakeSyncer) SyncUser(_ context.Context, username string) (membersync.Result, error) {
	f.mu.Lock()
	f.users = append(f.users, username)
	f.mu.Unlock()
	if f.syncUser != nil {
		return f.syncUser(username)
	}
	return membersync.Result{Added: []string{"u_edms_staff"}}, nil
}

func (f *fakeSyncer) SyncGroup(_ context.Context, groupID string) (membersync.Result, error) {
	f.mu.Lock()
	f.groups = append(f.groups, groupID)
	f.mu.Unlock()
	if f.syncGroup != nil {
		return f.syncGroup(groupID)
	}
	return membersync.Result{Added: []string{"alice"}}, nil
}

func (f *fakeSyncer) userCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

type drainerFunc func(ctx context.Context) membersync.DrainStats

func (f drainerFunc) Drain(ctx context.Context) membersync.DrainStats { return f(ctx) }

// closeOnlyQueue is a change queue that cannot publish.
type closeOnlyQueue struct{}

func (closeOnlyQueue) GetMessages(context.Context) ([]queue.Message, error) { return nil, nil }
func (closeOnlyQueue) DeleteMessage(context.Context, string) error { return nil }
func (closeOnlyQueue) Close() error { return nil }

func newTestServer(deps Deps, cfg ServerConfig) *Server {
	if deps.Syncer == nil {
		deps.Syncer = &fakeSyncer{}
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = testSecret
	}
	return NewServer(deps, cfg)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func signedHeaders(method, path string, body []byte) map[string]string {
	timestamp, signature := SignInternal(testSecret, method, path, body, time.Now())
	return map[string]string{
		headerTimestamp: timestamp,
		headerSignature: signature,
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestHealthAndRequestID(t *testing.T) {
	server := newTestServer(Deps{}, ServerConfig{})
	rec := doRequest(t, server, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id")
	}

	rec = doRequest(t, server, http.MethodGet, "/nope", nil, map[string]string{headerRequestID: "req-1"})
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["requestId"] != "req-1" {
		t.Fatalf("expected not found carrying the request id, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSyncUserFromHeader(t *testing.T) {
	syncer := &fakeSyncer{}
	server := newTestServer(Deps{Syncer: syncer}, ServerConfig{UsernameHeader: "x-remote-user"})

	rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, map[string]string{"X-Remote-User": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["message"]; got != "alice was synchronized successfully" {
		t.Fatalf("unexpected message %v", got)
	}
	if calls := syncer.userCalls(); len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("expected one sync of alice, got %v", calls)
	}
}

func TestSyncUserFromHeaderRequiresUsername(t *testing.T) {
	server := newTestServer(Deps{}, ServerConfig{})
	rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(decodeBody(t, rec)["message"].(string), "x-username") {
		t.Fatalf("expected message to name the header, got %s", rec.Body.String())
	}
}

func TestSyncUserFromHeaderHidesFailureDetail(t *testing.T) {
	syncer := &fakeSyncer{syncUser: func(string) (membersync.Result, error) {
		return membersync.Result{}, membersync.Fail("create user", errors.New("https://admin:pw@acs/people: boom"))
	}}
	server := newTestServer(Deps{Syncer: syncer}, ServerConfig{})
	rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, map[string]string{"x-username": "alice"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["message"]; got != "Unable to sync user." {
		t.Fatalf("unexpected message %v", got)
	}
}

func TestSyncUserFromHeaderRedirects(t *testing.T) {
	syncer := &fakeSyncer{}
	server := newTestServer(Deps{Syncer: syncer}, ServerConfig{AllowedRedirectHosts: []string{"Docs.Example.edu"}})

	rec := doRequest(t, server, http.MethodGet, "/v1/sync/user?redirectPath=share/page", nil, map[string]string{
		"x-username":       "alice",
		"X-Forwarded-Host": "docs.example.edu",
	})
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://docs.example.edu/share/page" {
		t.Fatalf("unexpected location %q", got)
	}

	rec = doRequest(t, server, http.MethodGet, "/v1/sync/user?redirectPath=/x", nil, map[string]string{
		"x-username":       "alice",
		"X-Forwarded-Host": "evil.example.com",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unlisted host, got %d", rec.Code)
	}
	if calls := syncer.userCalls(); len(calls) != 1 {
		t.Fatalf("expected rejected redirect not to sync, got %v", calls)
	}
}

func TestSyncUserFromHeaderRateLimitsPerUser(t *testing.T) {
	server := newTestServer(Deps{}, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Hour})
	headers := map[string]string{"x-username": "alice"}
	if rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, headers); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, headers)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
	if rec := doRequest(t, server, http.MethodGet, "/v1/sync/user", nil, map[string]string{"x-username": "bob"}); rec.Code != http.StatusOK {
		t.Fatalf("expected other users unaffected, got %d", rec.Code)
	}
}

func TestInternalRoutesRequireSignature(t *testing.T) {
	syncer := &fakeSyncer{}
	server := newTestServer(Deps{Syncer: syncer}, ServerConfig{})

	rec := doRequest(t, server, http.MethodPost, "/v1/sync/users/alice", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without headers, got %d", rec.Code)
	}
	headers := signedHeaders(http.MethodPost, "/v1/sync/users/alice", nil)
	headers[headerSignature] = strings.Repeat("0", 64)
	if rec := doRequest(t, server, http.MethodPost, "/v1/sync/users/alice", nil, headers); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	stale := map[string]string{}
	stale[headerTimestamp], stale[headerSignature] = SignInternal(testSecret, http.MethodPost, "/v1/sync/users/alice", nil, time.Now().Add(-time.Hour))
	if rec := doRequest(t, server, http.MethodPost, "/v1/sync/users/alice", nil, stale); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 outside skew window, got %d", rec.Code)
	}
	if len(syncer.userCalls()) != 0 {
		t.Fatalf("expected no sync for rejected requests")
	}

	disabled := NewServer(Deps{Syncer: syncer}, ServerConfig{})
	if rec := doRequest(t, disabled, http.MethodPost, "/v1/sync/users/alice", nil, signedHeaders(http.MethodPost, "/v1/sync/users/alice", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a secret, got %d", rec.Code)
	}
}

func TestInternalSyncUserRejectsReplay(t *testing.T) {
	server := newTestServer(Deps{}, ServerConfig{})
	headers := signedHeaders(http.MethodPost, "/v1/sync/users/alice", nil)
	rec := doRequest(t, server, http.MethodPost, "/v1/sync/users/alice", nil, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["username"] != "alice" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if rec := doRequest(t, server, http.MethodPost, "/v1/sync/users/alice", nil, headers); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", rec.Code)
	}
}

func TestInternalSyncErrorsMapToStatus(t *testing.T) {
	syncer := &fakeSyncer{
		syncUser: func(username string) (membersync.Result, error) {
			return membersync.Result{}, fmt.Errorf("%w: %s", membersync.ErrUnknownUser, username)
		},
		syncGroup: func(groupID string) (membersync.Result, error) {
			if groupID == "u_edms_pub" {
				return membersync.Result{}, fmt.Errorf("%w: %s", membersync.ErrIgnoredGroup, groupID)
			}
			return membersync.Result{}, membersync.Fail("look up members", errors.New("boom"))
		},
	}
	server := newTestServer(Deps{Syncer: syncer}, ServerConfig{})

	cases := []struct {
		path   string
		status int
		code   string
	}{
		{"/v1/sync/users/ghost", http.StatusUnprocessableEntity, "unknown_user"},
		{"/v1/sync/groups/u_edms_pub", http.StatusConflict, "ignored_group"},
		{"/v1/sync/groups/u_edms_x", http.StatusBadGateway, "sync_failed"},
	}
	for _, tc := range cases {
		rec := doRequest(t, server, http.MethodPost, tc.path, nil, signedHeaders(http.MethodPost, tc.path, nil))
		if rec.Code != tc.status || decodeBody(t, rec)["code"] != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %s", tc.path, tc.status, tc.code, rec.Code, rec.Body.String())
		}
		if tc.code == "sync_failed" && strings.Contains(rec.Body.String(), "boom") {
			t.Fatalf("expected upstream failure detail kept out of the response, got %s", rec.Body.String())
		}
	}
}

func TestInternalDrainReturnsStats(t *testing.T) {
	drained := 0
	server := newTestServer(Deps{Drainer: drainerFunc(func(context.Context) membersync.DrainStats {
		drained++
		return membersync.DrainStats{Fetches: 2, Received: 3, Processed: 3}
	})}, ServerConfig{})

	rec := doRequest(t, server, http.MethodPost, "/v1/sync/groups/drain", nil, signedHeaders(http.MethodPost, "/v1/sync/groups/drain", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats membersync.DrainStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if drained != 1 || stats.Fetches != 2 || stats.Processed != 3 {
		t.Fatalf("unexpected drain %d %+v", drained, stats)
	}
}

func notificationBody(action, group string) []byte {
	ctx := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf(`{"action":%q,"group":%q}`, action, group)))
	inner := fmt.Sprintf(`{"header":{"contentType":"xml","messageContext":%q},"body":%q}`,
		ctx, base64.StdEncoding.EncodeToString([]byte("<group/>")))
	outer, _ := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "m-1",
		"Message":   base64.StdEncoding.EncodeToString([]byte(inner)),
	})
	return outer
}

func TestInternalChangeEventPublishes(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{WaitTime: 0})
	server := newTestServer(Deps{Queue: q}, ServerConfig{})

	body := notificationBody("update-members", "u_edms_x")
	rec := doRequest(t, server, http.MethodPost, "/v1/internal/change-events", body, signedHeaders(http.MethodPost, "/v1/internal/change-events", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if payload := decodeBody(t, rec); payload["groupId"] != "u_edms_x" || payload["action"] != "update-members" {
		t.Fatalf("unexpected payload %v", payload)
	}
	msgs, err := q.GetMessages(context.Background())
	if err != nil || len(msgs) != 1 || msgs[0].Body != string(body) {
		t.Fatalf("expected queued notification, got %v %v", msgs, err)
	}

	garbage := []byte(`{"Message":"not base64!"}`)
	if rec := doRequest(t, server, http.MethodPost, "/v1/internal/change-events", garbage, signedHeaders(http.MethodPost, "/v1/internal/change-events", garbage)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed notification, got %d", rec.Code)
	}
}

func TestInternalChangeEventNeedsPublisher(t *testing.T) {
	server := newTestServer(Deps{Queue: closeOnlyQueue{}}, ServerConfig{})
	body := notificationBody("update-members", "u_edms_x")
	if rec := doRequest(t, server, http.MethodPost, "/v1/internal/change-events", body, signedHeaders(http.MethodPost, "/v1/internal/change-events", body)); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestInternalBodyLimit(t *testing.T) {
	server := newTestServer(Deps{Queue: queue.NewMemoryQueue(queue.Options{})}, ServerConfig{MaxBodyBytes: 16})
	body := bytes.Repeat([]byte("x"), 64)
	if rec := doRequest(t, server, http.MethodPost, "/v1/internal/change-events", body, signedHeaders(http.MethodPost, "/v1/internal/change-events", body)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestEventsStreamOutcomes(t *testing.T) {
	hub := NewEventHub(4)
	server := newTestServer(Deps{Events: hub}, ServerConfig{})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	for k, v := range signedHeaders(http.MethodGet, "/v1/events", nil) {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.Record(membersync.Outcome{Kind: membersync.OutcomeUser, Subject: "alice", Result: membersync.Result{Added: []string{"u_edms_staff"}}})

	var got membersync.Outcome
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read outcome: %v", err)
	}
	if got.Kind != membersync.OutcomeUser || got.Subject != "alice" || len(got.Result.Added) != 1 {
		t.Fatalf("unexpected outcome %+v", got)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewEventHub(1)
	outcomes, unsubscribe := hub.Subscribe()
	hub.Record(membersync.Outcome{Subject: "a"})
	hub.Record(membersync.Outcome{Subject: "b"})
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped outcome, got %d", hub.Dropped())
	}
	if got := <-outcomes; got.Subject != "a" {
		t.Fatalf("expected first outcome kept, got %+v", got)
	}
	unsubscribe()
	unsubscribe()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "hunter2"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) wait(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.events) >= n
	}, time.Second, 5*time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func deliver(t *testing.T, srv *Server, path, event, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const commentBody = `{
	"action": "created",
	"repository": {"full_name": "acme/widgets"},
	"issue": {
		"html_url": "https://github.com/acme/widgets/issues/42",
		"pull_request": {"html_url": "https://github.com/acme/widgets/pull/100"}
	},
	"comment": {"id": 7},
	"sender": {"login": "reviewer"}
}`

func TestReceiveValidDelivery(t *testing.T) {
	sink := &eventSink{}
	srv := New(Options{Secret: secret}, sink.handle, nil)

	rec := deliver(t, srv, "/webhook", "issue_comment", commentBody, sign(commentBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accepted")

	events := sink.wait(t, 1)
	ev := events[0]
	assert.Equal(t, "issue_comment", ev.Type)
	assert.Equal(t, "created", ev.Action)
	assert.Equal(t, "acme/widgets", ev.Repo)
	assert.Equal(t, "https://github.com/acme/widgets/pull/100", ev.PRURL)
	assert.Equal(t, int64(7), ev.CommentID)
	assert.Equal(t, "reviewer", ev.Sender)
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	sink := &eventSink{}
	srv := New(Options{Secret: secret}, sink.handle, nil)

	// Flip one bit of a valid signature.
	good := sign(commentBody)
	raw, err := hex.DecodeString(strings.TrimPrefix(good, "sha256="))
	require.NoError(t, err)
	raw[0] ^= 0x01
	bad := "sha256=" + hex.EncodeToString(raw)

	rec := deliver(t, srv, "/webhook", "issue_comment", commentBody, bad)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(t, srv, "/webhook", "issue_comment", commentBody, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(t, srv, "/webhook", "issue_comment", commentBody, "sha256=nothex")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReceiveNoSecretSkipsVerification(t *testing.T) {
	sink := &eventSink{}
	srv := New(Options{}, sink.handle, nil)

	rec := deliver(t, srv, "/", "issue_comment", commentBody, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	sink.wait(t, 1)
}

func TestReceiveIgnoresUnlistedRepo(t *testing.T) {
	sink := &eventSink{}
	srv := New(Options{Secret: secret, AllowedRepos: []string{"acme/other"}}, sink.handle, nil)

	rec := deliver(t, srv, "/webhook", "issue_comment", commentBody, sign(commentBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")

	time.Sleep(20 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.events)
}

func TestReceivePullRequestMerged(t *testing.T) {
	body := `{
		"action": "closed",
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {
			"html_url": "https://github.com/acme/widgets/pull/100",
			"merged": true,
			"head": {"ref": "foreman/issue-42"}
		},
		"sender": {"login": "maintainer"}
	}`
	sink := &eventSink{}
	srv := New(Options{Secret: secret}, sink.handle, nil)

	rec := deliver(t, srv, "/webhook", "pull_request", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	ev := sink.wait(t, 1)[0]
	assert.Equal(t, "pull_request", ev.Type)
	assert.True(t, ev.Merged)
	assert.Equal(t, "foreman/issue-42", ev.Branch)
}

func TestReceivePing(t *testing.T) {
	srv := New(Options{Secret: secret}, nil, nil)
	body := `{"zen": "Keep it logically awesome."}`
	rec := deliver(t, srv, "/", "ping", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestReceiveMissingEventHeader(t *testing.T) {
	srv := New(Options{Secret: secret}, nil, nil)
	rec := deliver(t, srv, "/webhook", "", commentBody, sign(commentBody))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(Options{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), "timestamp")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv := New(Options{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/nope", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

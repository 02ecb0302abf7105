package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kaiku-voice/kaiku/internal/call"
	"github.com/kaiku-voice/kaiku/pkg/audio"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeSession struct {
	id       string
	outbound chan []byte

	mu      sync.Mutex
	frames  []audio.AudioFrame
	hangups []string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, outbound: make(chan []byte, 8)}
}

func (s *fakeSession) CallID() string          { return s.id }
func (s *fakeSession) Outbound() <-chan []byte { return s.outbound }

func (s *fakeSession) Hangup(reason string) {
	s.mu.Lock()
	s.hangups = append(s.hangups, reason)
	s.mu.Unlock()
}

func (s *fakeSession) FeedInbound(frame audio.AudioFrame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSession) hangupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hangups)
}

type fakeSource struct {
	mu        sync.Mutex
	sessions  map[string]*fakeSession
	answered  []string
	answerErr error
	hangups   map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sessions: make(map[string]*fakeSession),
		hangups:  make(map[string]string),
	}
}

func (f *fakeSource) add(s *fakeSession) {
	f.mu.Lock()
	f.sessions[s.id] = s
	f.mu.Unlock()
}

func (f *fakeSource) Answer(_ context.Context, callID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	f.answered = append(f.answered, callID)
	s := newFakeSession(callID)
	f.sessions[callID] = s
	return s, nil
}

func (f *fakeSource) Lookup(callID string) (Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[callID]
	return s, ok
}

func (f *fakeSource) Hangup(callID, reason string) {
	f.mu.Lock()
	f.hangups[callID] = reason
	f.mu.Unlock()
	if s, ok := f.Lookup(callID); ok {
		s.Hangup(reason)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── media websocket ──────────────────────────────────────────────────────────

func dialMedia(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	msg, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func startEnvelope(callID string) Envelope {
	return Envelope{
		Event: "start",
		Start: &Start{
			CallControlID: callID,
			MediaFormat:   MediaFormat{Encoding: "PCMU", SampleRate: 8000, Channels: 1},
		},
	}
}

func TestMediaHandler_InboundFrames(t *testing.T) {
	source := newFakeSource()
	sess := newFakeSession("call-1")
	source.add(sess)

	srv := httptest.NewServer(NewMediaHandler(source, nil))
	defer srv.Close()

	conn := dialMedia(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	sendEnvelope(t, conn, startEnvelope("call-1"))

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0x7f
	}
	payload := base64.StdEncoding.EncodeToString(frame)
	sendEnvelope(t, conn, Envelope{Event: "media", Media: &Media{Payload: payload}})
	sendEnvelope(t, conn, Envelope{Event: "media", Media: &Media{Payload: payload}})

	waitFor(t, func() bool { return sess.frameCount() == 2 }, "2 inbound frames")

	sess.mu.Lock()
	got := sess.frames[0]
	sess.mu.Unlock()
	if len(got.Data) != 160 {
		t.Errorf("frame size: got %d, want 160", len(got.Data))
	}
	if got.Codec != audio.CodecMuLaw8k {
		t.Errorf("frame codec: got %q, want %q", got.Codec, audio.CodecMuLaw8k)
	}
}

func TestMediaHandler_OutboundFrames(t *testing.T) {
	source := newFakeSource()
	sess := newFakeSession("call-1")
	source.add(sess)

	srv := httptest.NewServer(NewMediaHandler(source, nil))
	defer srv.Close()

	conn := dialMedia(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	sendEnvelope(t, conn, startEnvelope("call-1"))

	chunk := []byte{1, 2, 3, 4}
	sess.outbound <- chunk

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read outbound: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("unmarshal outbound: %v", err)
	}
	if env.Event != "media" || env.Media == nil {
		t.Fatalf("expected media envelope, got %+v", env)
	}
	data, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(data) != string(chunk) {
		t.Errorf("payload: got %v, want %v", data, chunk)
	}
}

func TestMediaHandler_StopHangsUp(t *testing.T) {
	source := newFakeSource()
	sess := newFakeSession("call-1")
	source.add(sess)

	srv := httptest.NewServer(NewMediaHandler(source, nil))
	defer srv.Close()

	conn := dialMedia(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	sendEnvelope(t, conn, startEnvelope("call-1"))
	sendEnvelope(t, conn, Envelope{Event: "stop", Stop: &Stop{CallControlID: "call-1"}})

	waitFor(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.hangups["call-1"] == "carrier stop"
	}, "stop-triggered hangup")
}

func TestMediaHandler_ConnectionLossHangsUp(t *testing.T) {
	source := newFakeSource()
	sess := newFakeSession("call-1")
	source.add(sess)

	srv := httptest.NewServer(NewMediaHandler(source, nil))
	defer srv.Close()

	conn := dialMedia(t, srv)
	sendEnvelope(t, conn, startEnvelope("call-1"))
	waitFor(t, func() bool {
		_, ok := source.Lookup("call-1")
		return ok
	}, "session attached")

	// Drop the connection without a stop event.
	conn.Close(websocket.StatusGoingAway, "client gone")

	waitFor(t, func() bool { return sess.hangupCount() > 0 }, "loss-triggered hangup")
}

func TestMediaHandler_UnknownCall(t *testing.T) {
	source := newFakeSource()

	srv := httptest.NewServer(NewMediaHandler(source, nil))
	defer srv.Close()

	conn := dialMedia(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	sendEnvelope(t, conn, startEnvelope("nobody-home"))

	// The server should close the connection; the next read must fail.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected connection close for unknown call")
	}
}

// ── webhooks ─────────────────────────────────────────────────────────────────

func postWebhook(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func webhookBody(eventType, callID string) string {
	return `{"data":{"event_type":"` + eventType + `","payload":{"call_control_id":"` + callID + `","from":"+358401234567","to":"+358912345678"}}}`
}

func TestWebhook_AnsweredStartsSession(t *testing.T) {
	source := newFakeSource()
	h := NewWebhookHandler(source, nil, nil)

	rec := postWebhook(t, h, webhookBody("call.answered", "call-1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.answered) != 1 || source.answered[0] != "call-1" {
		t.Errorf("answered calls: got %v, want [call-1]", source.answered)
	}
}

func TestWebhook_AtCapacity(t *testing.T) {
	var hangupHits int
	var mu sync.Mutex
	carrierAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/actions/hangup") {
			mu.Lock()
			hangupHits++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer carrierAPI.Close()

	source := newFakeSource()
	source.answerErr = call.ErrAdmissionRejected
	h := NewWebhookHandler(source, NewControl(carrierAPI.URL, "test-key"), nil)

	rec := postWebhook(t, h, webhookBody("call.answered", "call-1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	mu.Lock()
	defer mu.Unlock()
	if hangupHits != 1 {
		t.Errorf("rejected call should be hung up via control plane, got %d hangup commands", hangupHits)
	}
}

func TestWebhook_DuplicateAnsweredIdempotent(t *testing.T) {
	var hangupHits int
	var mu sync.Mutex
	carrierAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/actions/hangup") {
			mu.Lock()
			hangupHits++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer carrierAPI.Close()

	// Carriers retry webhook deliveries; a second answered event for a live
	// call must be acknowledged without touching the call.
	source := newFakeSource()
	source.answerErr = fmt.Errorf("admit call-1: %w", call.ErrDuplicateCall)
	h := NewWebhookHandler(source, NewControl(carrierAPI.URL, "test-key"), nil)

	rec := postWebhook(t, h, webhookBody("call.answered", "call-1"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	mu.Lock()
	defer mu.Unlock()
	if hangupHits != 0 {
		t.Errorf("duplicate answered event triggered %d hangup commands, want 0", hangupHits)
	}
}

func TestWebhook_HangupTearsDown(t *testing.T) {
	source := newFakeSource()
	source.add(newFakeSession("call-1"))
	h := NewWebhookHandler(source, nil, nil)

	body := `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"call-1","hangup_cause":"normal_clearing"}}}`
	rec := postWebhook(t, h, body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if got := source.hangups["call-1"]; !strings.Contains(got, "normal_clearing") {
		t.Errorf("hangup reason: got %q, want cause included", got)
	}
}

func TestWebhook_InitiatedAnswersViaControl(t *testing.T) {
	var answerHits int
	var gotAuth string
	var mu sync.Mutex
	carrierAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/actions/answer") {
			mu.Lock()
			answerHits++
			gotAuth = r.Header.Get("Authorization")
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer carrierAPI.Close()

	source := newFakeSource()
	h := NewWebhookHandler(source, NewControl(carrierAPI.URL, "test-key"), nil)

	rec := postWebhook(t, h, webhookBody("call.initiated", "call-1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	mu.Lock()
	defer mu.Unlock()
	if answerHits != 1 {
		t.Errorf("answer commands: got %d, want 1", answerHits)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization header: got %q", gotAuth)
	}
}

func TestWebhook_MalformedBody(t *testing.T) {
	h := NewWebhookHandler(newFakeSource(), nil, nil)
	rec := postWebhook(t, h, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	source := newFakeSource()
	h := NewWebhookHandler(source, nil, nil)
	rec := postWebhook(t, h, webhookBody("call.bridged", "call-1"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.answered) != 0 {
		t.Errorf("unexpected session activity: %v", source.answered)
	}
}

// ── redaction ────────────────────────────────────────────────────────────────

func TestRedactE164(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+358401234567", "…4567"},
		{"1234", "1234"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := RedactE164(tc.in); got != tc.want {
			t.Errorf("RedactE164(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

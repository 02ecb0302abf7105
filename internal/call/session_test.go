package call

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kaiku-voice/kaiku/internal/dialog"
	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/llm"
	llmmock "github.com/kaiku-voice/kaiku/pkg/provider/llm/mock"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
	sttmock "github.com/kaiku-voice/kaiku/pkg/provider/stt/mock"
	ttsmock "github.com/kaiku-voice/kaiku/pkg/provider/tts/mock"
)

// metricsReader backs the global meter provider for the whole package so
// counter increments recorded through observe.DefaultMetrics are inspectable.
var metricsReader *sdkmetric.ManualReader

func TestMain(m *testing.M) {
	metricsReader = sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricsReader)))
	os.Exit(m.Run())
}

// upstreamErrors returns the current value of the upstream-error counter for
// one stage. Callers compare before/after deltas because the counter is
// cumulative across the package's tests.
func upstreamErrors(t *testing.T, stage string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := metricsReader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "kaiku.upstream.errors" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("kaiku.upstream.errors is not a sum")
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "stage" && kv.Value.AsString() == stage {
						return dp.Value
					}
				}
			}
		}
	}
	return 0
}

type sessionFixture struct {
	session    *Session
	sttSession *sttmock.Session
	sttP       *sttmock.Provider
	llmP       *llmmock.Provider
	ttsP       *ttsmock.Provider
	archiver   *recordingArchiver
	closed     []string
	closedMu   sync.Mutex
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls map[string][]dialog.Turn
	err   error
}

func (a *recordingArchiver) Archive(ctx context.Context, callID string, turns []dialog.Turn) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = map[string][]dialog.Turn{}
	}
	a.calls[callID] = turns
	return a.err
}

func (a *recordingArchiver) turnsFor(callID string) ([]dialog.Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns, ok := a.calls[callID]
	return turns, ok
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		sttSession: sttmock.NewSession(),
		llmP: &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: "Certainly."}, {FinishReason: "stop"}},
		},
		ttsP:     ttsPerFragment(),
		archiver: &recordingArchiver{},
	}
	f.sttP = &sttmock.Provider{Session: f.sttSession}

	f.session = NewSession(SessionConfig{
		CallID: "call-77",
		Buffer: BufferConfig{JitterBuffer: 20 * time.Millisecond},
		Endpoint: dialog.EndpointPolicy{
			BaseSilence:          time.Millisecond,
			NoPunctuationSilence: time.Millisecond,
			QuestionSilence:      time.Millisecond,
		},
	}, SessionDeps{
		STT:      f.sttP,
		LLM:      f.llmP,
		TTS:      f.ttsP,
		Limiter:  NewRateLimiter(1000),
		Archiver: f.archiver,
		OnClose: func(id string) {
			f.closedMu.Lock()
			f.closed = append(f.closed, id)
			f.closedMu.Unlock()
		},
	})
	return f
}

func startSession(t *testing.T, f *sessionFixture) {
	t.Helper()
	if err := f.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.session.Hangup("test cleanup") })
}

// drainOutbound consumes the outbound channel so playback never blocks.
func drainOutbound(f *sessionFixture) {
	go func() {
		for range f.session.Outbound() {
		}
	}()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStart_OpensRecognizerStream(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)

	if len(f.sttP.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(f.sttP.StartStreamCalls))
	}
	cfg := f.sttP.StartStreamCalls[0].Cfg
	if cfg.Codec != audio.CodecMuLaw8k {
		t.Fatalf("recognizer codec = %q, want mulaw8k", cfg.Codec)
	}
	if f.session.State() != Listening {
		t.Fatalf("initial state = %v, want LISTENING", f.session.State())
	}
}

func TestStart_RecognizerFailure(t *testing.T) {
	f := newSessionFixture(t)
	f.sttP.StartStreamErr = errors.New("dial refused")
	before := upstreamErrors(t, "stt")

	err := f.session.Start(context.Background())
	if !errors.Is(err, ErrUpstreamDown) {
		t.Fatalf("Start error = %v, want ErrUpstreamDown", err)
	}
	stage, _ := UpstreamStage(err)
	if stage != StageSTT {
		t.Fatalf("stage = %v, want stt", stage)
	}
	if got := upstreamErrors(t, "stt"); got != before+1 {
		t.Fatalf("stt upstream errors = %d, want %d", got, before+1)
	}
}

func TestFinalsLoop_StreamLossCountsUpstreamError(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)
	before := upstreamErrors(t, "stt")

	f.sttSession.SessionErr = errors.New("socket reset by peer")
	close(f.sttSession.FinalsCh)

	waitFor(t, 2*time.Second, func() bool {
		return upstreamErrors(t, "stt") == before+1
	}, "mid-call recognizer loss not counted as upstream error")
}

func TestFeedInbound_RoutesValidFrames(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)

	fr := audio.AudioFrame{Data: frame(20), Codec: audio.CodecMuLaw8k}
	if err := f.session.FeedInbound(fr); err != nil {
		t.Fatalf("FeedInbound: %v", err)
	}
	if got := f.sttSession.SendAudioCallCount(); got != 1 {
		t.Fatalf("recognizer received %d frames, want 1", got)
	}
}

func TestFeedInbound_RejectsInvalidFrames(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)

	cases := []audio.AudioFrame{
		{},
		{Data: []byte{}, Codec: audio.CodecMuLaw8k},
		{Data: frame(20), Codec: audio.CodecPCM16k},
	}
	for _, fr := range cases {
		if err := f.session.FeedInbound(fr); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("FeedInbound(%+v) = %v, want ErrInvalidFrame", fr, err)
		}
	}
	if got := f.session.Stats().InvalidFrames; got != 3 {
		t.Fatalf("InvalidFrames = %d, want 3", got)
	}
	if got := f.sttSession.SendAudioCallCount(); got != 0 {
		t.Fatalf("recognizer received %d invalid frames, want 0", got)
	}
}

func TestFinal_RunsFullTurn(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)

	f.sttSession.FinalsCh <- stt.Transcript{Text: "Do you deliver to my area?", IsFinal: true, Confidence: 0.95}

	waitFor(t, 3*time.Second, func() bool {
		return f.session.History().Len() == 2 && f.session.State() == Listening
	}, "turn did not complete")

	turns := f.session.History().Turns()
	if turns[0].Role != dialog.RoleUser {
		t.Fatalf("first turn role = %q, want user", turns[0].Role)
	}
	if turns[1].Role != dialog.RoleAssistant || turns[1].Text != "Certainly." {
		t.Fatalf("assistant turn = %+v", turns[1])
	}
	if f.llmP.StreamCallCount() != 1 {
		t.Fatalf("llm stream calls = %d, want 1", f.llmP.StreamCallCount())
	}
}

func TestFinal_LowConfidenceGetsClarification(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)

	f.sttSession.FinalsCh <- stt.Transcript{Text: "mumbled words here", IsFinal: true, Confidence: 0.2}

	waitFor(t, 3*time.Second, func() bool {
		return f.session.History().Len() == 1
	}, "clarification prompt not recorded")

	if f.llmP.StreamCallCount() != 0 {
		t.Fatal("low-confidence final reached the LLM")
	}
	turn := f.session.History().Turns()[0]
	if turn.Role != dialog.RoleAssistant || turn.Text == "" {
		t.Fatalf("turn = %+v, want a spoken clarification", turn)
	}
}

// loudFrameBytes returns n milliseconds of μ-law audio at speaking level,
// well above the energy detector's threshold.
func loudFrameBytes(ms int) []byte {
	n := audio.CodecMuLaw8k.FrameBytes(time.Duration(ms) * time.Millisecond)
	data := make([]byte, n)
	level := audio.EncodeMuLaw(20000)
	for i := range data {
		data[i] = level
	}
	return data
}

func TestVADLoop_EnergyFallbackAfterRecognizerEventsClose(t *testing.T) {
	f := newSessionFixture(t)
	f.llmP.StreamChunks = make([]llm.Chunk, 20)
	for i := range f.llmP.StreamChunks {
		f.llmP.StreamChunks[i] = llm.Chunk{Text: "Still talking here. "}
	}
	f.llmP.ChunkDelay = 50 * time.Millisecond
	startSession(t, f)
	drainOutbound(f)

	// The recognizer stops emitting VAD events mid-call.
	close(f.sttSession.EventsCh)

	f.sttSession.FinalsCh <- stt.Transcript{Text: "Tell me everything.", IsFinal: true, Confidence: 0.95}
	waitFor(t, 3*time.Second, func() bool {
		return f.session.State() == Speaking
	}, "turn never reached SPEAKING")

	// The caller starts talking; only the energy detector can see it now.
	fr := audio.AudioFrame{Data: loudFrameBytes(20), Codec: audio.CodecMuLaw8k}
	for i := 0; i < 10 && f.session.State() == Speaking; i++ {
		if err := f.session.FeedInbound(fr); err != nil {
			t.Fatalf("FeedInbound: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool {
		turns := f.session.History().Turns()
		if len(turns) < 2 {
			return false
		}
		last := turns[len(turns)-1]
		return last.Role == dialog.RoleAssistant && last.Cancelled
	}, "energy barge-in did not cancel the turn after recognizer events stopped")
}

func TestSpeak_DirectTTSWhenListening(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)

	if err := f.session.Speak("Welcome to support.", 1); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return f.session.History().Len() == 1 && f.session.State() == Listening
	}, "direct speech did not play")

	if f.llmP.StreamCallCount() != 0 {
		t.Fatal("agent-initiated speech hit the LLM")
	}
	received := f.ttsP.Received()
	if len(received) == 0 || received[0] != "Welcome to support." {
		t.Fatalf("tts received %v", received)
	}
}

func TestHangup_Idempotent(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)

	f.session.Hangup("caller hung up")
	f.session.Hangup("caller hung up")
	f.session.Hangup("shutdown")

	if got := f.sttSession.CloseCallCount; got != 1 {
		t.Fatalf("recognizer Close calls = %d, want 1", got)
	}
	f.closedMu.Lock()
	closedCount := len(f.closed)
	f.closedMu.Unlock()
	if closedCount != 1 {
		t.Fatalf("OnClose calls = %d, want 1", closedCount)
	}

	if err := f.session.FeedInbound(audio.AudioFrame{Data: frame(20), Codec: audio.CodecMuLaw8k}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("FeedInbound after hangup = %v, want ErrSessionClosed", err)
	}
	if err := f.session.Speak("late", 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Speak after hangup = %v, want ErrSessionClosed", err)
	}
}

func TestHangup_ArchivesTranscript(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)
	drainOutbound(f)

	f.sttSession.FinalsCh <- stt.Transcript{Text: "Hello there agent.", IsFinal: true, Confidence: 0.9}
	waitFor(t, 3*time.Second, func() bool {
		return f.session.History().Len() == 2
	}, "turn did not complete before hangup")

	f.session.Hangup("caller hung up")

	turns, ok := f.archiver.turnsFor("call-77")
	if !ok {
		t.Fatal("transcript not archived")
	}
	if len(turns) != 2 {
		t.Fatalf("archived %d turns, want 2", len(turns))
	}
}

func TestHangup_ClosesOutbound(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)

	f.session.Hangup("bye")

	select {
	case _, open := <-f.session.Outbound():
		if open {
			t.Fatal("outbound channel delivered audio after hangup")
		}
	case <-time.After(time.Second):
		t.Fatal("outbound channel not closed")
	}
}

func TestStats_Snapshot(t *testing.T) {
	f := newSessionFixture(t)
	startSession(t, f)

	stats := f.session.Stats()
	if stats.CallID != "call-77" {
		t.Fatalf("CallID = %q", stats.CallID)
	}
	if stats.State != "LISTENING" {
		t.Fatalf("State = %q, want LISTENING", stats.State)
	}
	if stats.StartedAt.IsZero() {
		t.Fatal("StartedAt not set")
	}
}

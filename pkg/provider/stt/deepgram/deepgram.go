// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Sessions are opened with telephony-grade parameters (μ-law at 8 kHz,
// interim results, voice activity events, endpointing) and survive transient
// connection drops by redialling with exponential backoff.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// Reconnect policy for dropped streaming connections.
	maxReconnects    = 3
	reconnectBackoff = 100 * time.Millisecond
	maxBackoff       = 2 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "fi").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	log      *slog.Logger
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	conn, err := dial(ctx, wsURL, p.apiKey)
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		url:      wsURL,
		apiKey:   p.apiKey,
		log:      p.log,
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		events:   make(chan stt.VADEvent, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

func dial(ctx context.Context, wsURL, apiKey string) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	codec := cfg.Codec
	if !codec.IsValid() {
		codec = audio.CodecMuLaw8k
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(codec.SampleRate()))
	if codec == audio.CodecMuLaw8k {
		q.Set("encoding", "mulaw")
	} else {
		q.Set("encoding", "linear16")
	}
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	q.Set("vad_events", "true")
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of Deepgram streaming messages. The
// Type field discriminates: "Results" carries transcripts, "SpeechStarted" and
// "UtteranceEnd" carry voice activity events.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	url    string
	apiKey string
	log    *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	partials chan stt.Transcript
	finals   chan stt.Transcript
	events   chan stt.VADEvent
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error

	utterance atomic1 // utterance counter, bumped on each UtteranceEnd
}

// atomic1 is a tiny mutex-guarded counter. The utterance counter is touched a
// few times per second at most; a mutex keeps it simple.
type atomic1 struct {
	mu sync.Mutex
	n  int
}

func (a *atomic1) get() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func (a *atomic1) bump() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

// SendAudio queues one audio frame for delivery to Deepgram.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- frame.Data:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Events returns the channel of voice activity events.
func (s *session) Events() <-chan stt.VADEvent { return s.events }

// Err returns the terminal session error, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush pending audio before tearing down.
		_ = s.write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.connMu.Lock()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.connMu.Unlock()
	})
	return nil
}

func (s *session) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	return conn.Write(ctx, typ, data)
}

func (s *session) read(ctx context.Context) (websocket.MessageType, []byte, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	return conn.Read(ctx)
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			// Write errors are handled by the read loop's redial; frames sent
			// during a redial window are lost, same as on the wire.
			_ = s.write(ctx, websocket.MessageBinary, chunk)
		case <-s.done:
			// Drain remaining audio so that CloseStream flushes everything.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches transcripts and
// voice activity events. On a connection error while the session is still
// live, it redials up to maxReconnects times with exponential backoff; if all
// attempts fail the session terminates with the dial error retrievable via Err.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			if !s.redial(ctx) {
				return
			}
			continue
		}
		s.dispatch(msg)
	}
}

// redial attempts to re-establish the Deepgram connection. Returns false when
// all attempts are exhausted or the session ended meanwhile.
func (s *session) redial(ctx context.Context) bool {
	backoff := reconnectBackoff
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		select {
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		conn, err := dial(ctx, s.url, s.apiKey)
		if err != nil {
			s.log.Warn("deepgram reconnect failed",
				"attempt", attempt, "error", err)
			if attempt == maxReconnects {
				s.setErr(fmt.Errorf("deepgram: reconnect exhausted after %d attempts: %w", maxReconnects, err))
				return false
			}
			continue
		}

		s.connMu.Lock()
		old := s.conn
		s.conn = conn
		s.connMu.Unlock()
		old.Close(websocket.StatusGoingAway, "replaced")
		s.log.Info("deepgram reconnected", "attempt", attempt)
		return true
	}
	return false
}

// dispatch routes one raw Deepgram message to the right output channel.
func (s *session) dispatch(msg []byte) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}

	switch resp.Type {
	case "SpeechStarted":
		s.emitEvent(stt.VADEvent{Type: stt.SpeechStarted, At: time.Now()})
	case "UtteranceEnd":
		s.utterance.bump()
		s.emitEvent(stt.VADEvent{Type: stt.UtteranceEnd, At: time.Now()})
	case "Results":
		t, ok := parseResults(&resp)
		if !ok {
			return
		}
		t.UtteranceID = strconv.Itoa(s.utterance.get())
		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

func (s *session) emitEvent(ev stt.VADEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	default:
		// Event channel full; the consumer is stalled and a stale VAD event
		// is worse than a dropped one.
	}
}

// parseResults extracts a Transcript from a Results message.
// Returns (zero, false) if the message carries no usable alternative.
func parseResults(resp *deepgramResponse) (stt.Transcript, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}

var _ stt.SessionHandle = (*session)(nil)
var _ stt.Provider = (*Provider)(nil)

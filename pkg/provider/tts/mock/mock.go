// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// SpeechRequest and text fragments passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{chunk1, chunk2},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, req)
package mock

import (
	"context"
	"sync"

	"github.com/kaiku-voice/kaiku/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Req is the SpeechRequest passed to SynthesizeStream.
	Req tts.SpeechRequest
}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Req is the SpeechRequest passed to Synthesize.
	Req tts.SpeechRequest
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by SynthesizeStream. If ChunksPerFragment is set,
	// SynthesizeChunks is ignored and audio is generated per text fragment
	// instead.
	SynthesizeChunks [][]byte

	// ChunksPerFragment, when non-nil, is called once per received text
	// fragment; its return value is emitted as one audio chunk. This lets
	// tests correlate text input with audio output.
	ChunksPerFragment func(text string) []byte

	// SynthesizeErr, if non-nil, is returned as the error from both
	// SynthesizeStream and Synthesize instead of producing audio.
	SynthesizeErr error

	// SynthesizeResult is returned by Synthesize when SynthesizeErr is nil.
	SynthesizeResult []byte

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall

	// ReceivedText accumulates every text fragment consumed from the text
	// channels of all SynthesizeStream calls, in arrival order.
	ReceivedText []string
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits audio then closes. The incoming text channel is always
// drained (into ReceivedText) so the producer never blocks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, req tts.SpeechRequest) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Req: req})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	perFragment := p.ChunksPerFragment
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					// All text consumed; emit any fixed chunks and finish.
					for _, a := range chunks {
						select {
						case <-ctx.Done():
							return
						case ch <- a:
						}
					}
					return
				}
				p.mu.Lock()
				p.ReceivedText = append(p.ReceivedText, fragment)
				p.mu.Unlock()
				if perFragment != nil {
					select {
					case <-ctx.Done():
						return
					case ch <- perFragment(fragment):
					}
				}
			}
		}
	}()
	return ch, nil
}

// Synthesize records the call and returns SynthesizeResult, SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text string, req tts.SpeechRequest) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Req: req})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	return p.SynthesizeResult, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// Received returns a copy of the text fragments consumed so far. Thread-safe.
func (p *Provider) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ReceivedText))
	copy(out, p.ReceivedText)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
	p.ReceivedText = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

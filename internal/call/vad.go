package call

import (
	"sync"
	"time"

	"github.com/kaiku-voice/kaiku/pkg/audio"
	"github.com/kaiku-voice/kaiku/pkg/provider/stt"
)

// SpeechEventType classifies detector output events.
type SpeechEventType int

const (
	// SpeechStarted fires on the raised edge, with no debounce delay.
	SpeechStarted SpeechEventType = iota

	// SpeechEnded fires on the debounced falling edge and carries the
	// utterance duration.
	SpeechEnded
)

// String returns the snake_case name used in logs.
func (t SpeechEventType) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	default:
		return "unknown"
	}
}

// SpeechEvent is one detector output.
type SpeechEvent struct {
	Type SpeechEventType
	At   time.Time

	// Duration is the utterance length, set on SpeechEnded only.
	Duration time.Duration
}

// VADConfig tunes the detector. Zero fields take telephony defaults.
type VADConfig struct {
	// MinSpeechDuration is the shortest utterance counted as real speech.
	// Shorter bursts still emit SpeechEnded but increment the filtered
	// counter. Default 200 ms.
	MinSpeechDuration time.Duration

	// Debounce is how long the energy must stay below threshold before the
	// falling edge fires. The raised edge is never debounced. Default 50 ms.
	Debounce time.Duration

	// EnergyThreshold is the normalised mean amplitude above which a frame
	// window counts as speech. Default 0.02.
	EnergyThreshold float64

	// EnergyWindow is the number of recent frames averaged before comparing
	// against EnergyThreshold. Default 10.
	EnergyWindow int
}

func (c *VADConfig) applyDefaults() {
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = 200 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 0.02
	}
	if c.EnergyWindow <= 0 {
		c.EnergyWindow = 10
	}
}

// Detector turns inbound audio and upstream recognizer events into speech
// edges. Upstream events from the recognizer are authoritative; the energy
// path is the fallback when the recognizer emits none. Safe for concurrent
// use.
type Detector struct {
	cfg VADConfig

	mu          sync.Mutex
	window      []float64
	windowNext  int
	windowFull  bool
	speaking    bool
	speechStart time.Time
	belowSince  time.Time
	filtered    uint64
	events      chan SpeechEvent

	now func() time.Time
}

// NewDetector constructs a detector with the given config.
func NewDetector(cfg VADConfig) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:    cfg,
		window: make([]float64, cfg.EnergyWindow),
		events: make(chan SpeechEvent, 16),
		now:    time.Now,
	}
}

// Events returns the channel of detected speech edges. Events are dropped
// when the consumer falls behind.
func (d *Detector) Events() <-chan SpeechEvent {
	return d.events
}

// Speaking reports whether the detector currently considers the caller to be
// speaking.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Filtered returns how many utterances were shorter than MinSpeechDuration.
func (d *Detector) Filtered() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filtered
}

// ObserveUpstream feeds a recognizer VAD event into the detector. Upstream
// edges are trusted as-is: speech start fires immediately, utterance end
// closes the current utterance without the energy debounce.
func (d *Detector) ObserveUpstream(ev stt.VADEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev.Type {
	case stt.SpeechStarted:
		d.raiseLocked(d.now())
	case stt.UtteranceEnd:
		d.fallLocked(d.now())
	}
}

// ProcessFrame runs the energy fallback over one inbound frame.
func (d *Detector) ProcessFrame(frame audio.AudioFrame) {
	energy := audio.Energy(frame)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.window[d.windowNext] = energy
	d.windowNext++
	if d.windowNext == len(d.window) {
		d.windowNext = 0
		d.windowFull = true
	}

	n := d.windowNext
	if d.windowFull {
		n = len(d.window)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += d.window[i]
	}
	avg := sum / float64(n)

	now := d.now()
	if avg >= d.cfg.EnergyThreshold {
		d.belowSince = time.Time{}
		d.raiseLocked(now)
		return
	}

	if !d.speaking {
		return
	}
	if d.belowSince.IsZero() {
		d.belowSince = now
		return
	}
	if now.Sub(d.belowSince) >= d.cfg.Debounce {
		d.fallLocked(d.belowSince)
	}
}

// raiseLocked fires the raised edge if not already speaking.
func (d *Detector) raiseLocked(at time.Time) {
	if d.speaking {
		return
	}
	d.speaking = true
	d.speechStart = at
	d.emitLocked(SpeechEvent{Type: SpeechStarted, At: at})
}

// fallLocked closes the current utterance. Short utterances are counted as
// filtered; the event still carries the duration so downstream logic can
// apply its own minimum.
func (d *Detector) fallLocked(at time.Time) {
	if !d.speaking {
		return
	}
	d.speaking = false
	d.belowSince = time.Time{}

	duration := at.Sub(d.speechStart)
	if duration < 0 {
		duration = 0
	}
	if duration < d.cfg.MinSpeechDuration {
		d.filtered++
	}
	d.emitLocked(SpeechEvent{Type: SpeechEnded, At: at, Duration: duration})
}

func (d *Detector) emitLocked(ev SpeechEvent) {
	select {
	case d.events <- ev:
	default:
	}
}

// Package carrier glues the call core to the telephony provider: the media
// WebSocket that streams base64 μ-law frames in JSON envelopes, the webhook
// receiver that maps call lifecycle events to sessions, and a thin
// control-plane client for answering and hanging up calls.
package carrier

// Envelope is one message on the media WebSocket. The Event field
// discriminates: "start" opens a stream and names the call, "media" carries
// one base64-encoded audio frame, "stop" closes the stream, "dtmf" reports a
// keypad digit.
type Envelope struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	Start    *Start `json:"start,omitempty"`
	Media    *Media `json:"media,omitempty"`
	Stop     *Stop  `json:"stop,omitempty"`
	DTMF     *DTMF  `json:"dtmf,omitempty"`
}

// Start is the stream-open payload.
type Start struct {
	CallControlID string      `json:"call_control_id"`
	MediaFormat   MediaFormat `json:"media_format"`
}

// MediaFormat describes the negotiated audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Media carries one audio frame, base64-encoded.
type Media struct {
	Payload string `json:"payload"`
}

// Stop is the stream-close payload.
type Stop struct {
	CallControlID string `json:"call_control_id,omitempty"`
}

// DTMF reports a keypad digit. Kaiku acknowledges but does not act on DTMF.
type DTMF struct {
	Digit string `json:"digit"`
}

const (
	eventStart = "start"
	eventMedia = "media"
	eventStop  = "stop"
	eventDTMF  = "dtmf"
)

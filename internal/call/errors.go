// Package call implements the per-call streaming pipeline: playback
// buffering, voice activity detection, interruption handling, the
// STT→LLM→TTS orchestrator, and the session registry.
package call

import (
	"errors"
	"fmt"
)

// Stage identifies a pipeline stage in errors, metrics, and latency samples.
type Stage string

const (
	StageSTT      Stage = "stt"
	StageLLM      Stage = "llm"
	StageTTS      Stage = "tts"
	StagePlayback Stage = "playback"
	StageTurn     Stage = "turn"
)

var (
	// ErrAdmissionRejected is returned by the registry when the concurrent
	// call limit is reached. The carrier glue rejects the call.
	ErrAdmissionRejected = errors.New("call: admission rejected, concurrent call limit reached")

	// ErrDuplicateCall is returned by the registry when a call ID is
	// admitted twice. Carriers redeliver webhooks, so the glue treats it as
	// an idempotent no-op rather than a failure.
	ErrDuplicateCall = errors.New("call: call id already admitted")

	// ErrTurnTimeout indicates a pipeline run exceeded its turn deadline.
	// The session speaks a canned apology if TTS is still reachable.
	ErrTurnTimeout = errors.New("call: turn timed out")

	// ErrCancelledByBargeIn marks the expected cancellation when the caller
	// speaks over the agent. The truncated assistant turn is still recorded.
	ErrCancelledByBargeIn = errors.New("call: turn cancelled by barge-in")

	// ErrSessionFatal indicates an unrecoverable invariant breach. The
	// session is torn down.
	ErrSessionFatal = errors.New("call: fatal session error")

	// ErrInvalidFrame is returned for inbound frames that fail validation
	// (wrong codec, empty payload). The frame is dropped and counted.
	ErrInvalidFrame = errors.New("call: invalid audio frame")

	// ErrUpstreamDown indicates an adapter exhausted its retries. The
	// current turn aborts; the session stays alive in LISTENING.
	ErrUpstreamDown = errors.New("call: upstream provider down")

	// ErrSessionClosed is returned by operations on a hung-up session.
	ErrSessionClosed = errors.New("call: session closed")
)

// UpstreamError carries the stage whose provider failed. It matches
// [ErrUpstreamDown] under errors.Is.
type UpstreamError struct {
	Stage Stage
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("call: %s upstream down: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamDown }

// NewUpstreamError wraps err as an upstream failure of the given stage.
func NewUpstreamError(stage Stage, err error) error {
	return &UpstreamError{Stage: stage, Err: err}
}

// UpstreamStage extracts the failing stage from an error chain, if any.
func UpstreamStage(err error) (Stage, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Stage, true
	}
	return "", false
}

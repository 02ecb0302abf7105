package carrier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/kaiku-voice/kaiku/pkg/audio"
)

// startTimeout bounds the wait for the stream-open envelope after the
// WebSocket handshake.
const startTimeout = 10 * time.Second

// Session is the slice of a call session the media plane drives.
// *call.Session satisfies it.
type Session interface {
	CallID() string
	FeedInbound(frame audio.AudioFrame) error
	Outbound() <-chan []byte
	Hangup(reason string)
}

// SessionSource owns session lifecycle on behalf of the carrier glue: the
// webhook receiver answers and hangs up calls through it, and the media
// handler attaches streams to admitted sessions.
type SessionSource interface {
	// Answer creates, admits, and starts the session for a newly answered
	// call. It returns call admission errors unwrapped so the caller can
	// translate them to carrier responses.
	Answer(ctx context.Context, callID string) (Session, error)

	// Lookup returns the admitted session for callID, if any.
	Lookup(callID string) (Session, bool)

	// Hangup tears down the session for callID. Unknown IDs are ignored.
	Hangup(callID, reason string)
}

// MediaHandler serves the carrier media WebSocket. One connection carries one
// call: a start envelope names the call, media envelopes stream caller audio
// in, and the session's outbound audio streams back as media envelopes.
type MediaHandler struct {
	source SessionSource
	log    *slog.Logger
}

// NewMediaHandler returns a handler attaching media streams to sessions from
// source.
func NewMediaHandler(source SessionSource, log *slog.Logger) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{source: source, log: log}
}

// ServeHTTP upgrades to a WebSocket and runs the stream until stop, hangup,
// or connection loss.
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("media websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	if err := h.serve(r.Context(), conn); err != nil {
		h.log.Debug("media stream closed", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

func (h *MediaHandler) serve(ctx context.Context, conn *websocket.Conn) error {
	sess, codec, err := h.awaitStart(ctx, conn)
	if err != nil {
		return err
	}
	log := h.log.With("call_id", sess.CallID())
	log.Info("media stream attached", "codec", string(codec))

	// The writer drains session audio for the whole stream lifetime; its
	// cancellation is tied to this connection, not the session.
	writerCtx, cancelWriter := context.WithCancel(ctx)
	defer cancelWriter()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(writerCtx, conn, sess)
	}()

	err = h.readLoop(ctx, conn, sess, codec, log)
	cancelWriter()
	<-writerDone
	return err
}

// awaitStart reads envelopes until the start event arrives and resolves the
// session it names.
func (h *MediaHandler) awaitStart(ctx context.Context, conn *websocket.Conn) (Session, audio.Codec, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return nil, "", err
		}
		if env.Event != eventStart {
			continue
		}
		if env.Start == nil || env.Start.CallControlID == "" {
			return nil, "", errors.New("carrier: start envelope without call id")
		}
		sess, ok := h.source.Lookup(env.Start.CallControlID)
		if !ok {
			return nil, "", errors.New("carrier: media stream for unknown call " + env.Start.CallControlID)
		}
		return sess, codecFromFormat(env.Start.MediaFormat), nil
	}
}

// readLoop feeds inbound media to the session until stop or connection loss.
func (h *MediaHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess Session, codec audio.Codec, log *slog.Logger) error {
	streamStart := time.Now()
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			// Connection loss without a stop event: the carrier leg is gone.
			h.source.Hangup(sess.CallID(), "media stream lost")
			return err
		}

		switch env.Event {
		case eventMedia:
			if env.Media == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				log.Warn("undecodable media payload", "err", err)
				continue
			}
			if err := sess.FeedInbound(audio.AudioFrame{
				Data:      data,
				Codec:     codec,
				Timestamp: time.Since(streamStart),
			}); err != nil {
				log.Debug("inbound frame rejected", "err", err)
			}
		case eventStop:
			h.source.Hangup(sess.CallID(), "carrier stop")
			return nil
		case eventDTMF:
			if env.DTMF != nil {
				log.Debug("dtmf ignored", "digit", env.DTMF.Digit)
			}
		}
	}
}

// writeLoop streams the session's outbound audio to the carrier as media
// envelopes. It exits when the session closes its outbound channel or the
// connection goes away.
func (h *MediaHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sess.Outbound():
			if !ok {
				return
			}
			env := Envelope{
				Event: eventMedia,
				Media: &Media{Payload: base64.StdEncoding.EncodeToString(chunk)},
			}
			msg, err := json.Marshal(env)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	var env Envelope
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return env, errors.New("carrier: malformed envelope: " + err.Error())
	}
	return env, nil
}

// codecFromFormat maps the carrier media format to the internal codec.
// Unknown encodings default to PSTN μ-law.
func codecFromFormat(f MediaFormat) audio.Codec {
	switch strings.ToUpper(f.Encoding) {
	case "PCMU", "MULAW", "ULAW":
		return audio.CodecMuLaw8k
	case "L16", "LINEAR16", "PCM":
		return audio.CodecPCM16k
	default:
		return audio.CodecMuLaw8k
	}
}

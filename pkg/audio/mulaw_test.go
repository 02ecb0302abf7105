package audio

import (
	"testing"
	"time"
)

func TestMuLawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, 32000, -32000} {
		enc := EncodeMuLaw(s)
		dec := DecodeMuLaw(enc)

		// μ-law is lossy; require the decoded value to stay within the
		// quantisation step for its segment (coarse bound: 3% + 32).
		diff := int32(dec) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(s)/32 + 32
		if limit < 0 {
			limit = -limit
		}
		if diff > limit {
			t.Errorf("round trip %d -> %#x -> %d, diff %d exceeds %d", s, enc, dec, diff, limit)
		}
	}
}

func TestEnergySilenceVsTone(t *testing.T) {
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = EncodeMuLaw(0)
	}
	loud := make([]byte, 160)
	for i := range loud {
		loud[i] = EncodeMuLaw(16000)
	}

	eSilence := Energy(AudioFrame{Data: silence, Codec: CodecMuLaw8k})
	eLoud := Energy(AudioFrame{Data: loud, Codec: CodecMuLaw8k})

	if eSilence > 0.01 {
		t.Errorf("silence energy = %f, want near zero", eSilence)
	}
	if eLoud < 0.3 {
		t.Errorf("loud energy = %f, want > 0.3", eLoud)
	}
	if eLoud <= eSilence {
		t.Errorf("loud energy %f not greater than silence %f", eLoud, eSilence)
	}
}

func TestEnergyPCM(t *testing.T) {
	pcm := make([]byte, 640)
	for i := 0; i < 320; i++ {
		pcm[2*i] = 0x00
		pcm[2*i+1] = 0x40 // 16384
	}
	e := Energy(AudioFrame{Data: pcm, Codec: CodecPCM16k})
	if e < 0.45 || e > 0.55 {
		t.Errorf("PCM energy = %f, want ~0.5", e)
	}
}

func TestCodecMath(t *testing.T) {
	if got := CodecMuLaw8k.FrameBytes(20 * time.Millisecond); got != 160 {
		t.Errorf("mulaw 20ms frame = %d bytes, want 160", got)
	}
	if got := CodecPCM16k.FrameBytes(20 * time.Millisecond); got != 640 {
		t.Errorf("pcm 20ms frame = %d bytes, want 640", got)
	}
	if got := CodecMuLaw8k.Duration(160); got != 20*time.Millisecond {
		t.Errorf("mulaw 160 bytes = %v, want 20ms", got)
	}
	f := AudioFrame{Data: make([]byte, 80), Codec: CodecMuLaw8k}
	if got := f.Duration(); got != 10*time.Millisecond {
		t.Errorf("frame duration = %v, want 10ms", got)
	}
}

func TestFadeOutTail(t *testing.T) {
	data := make([]byte, 160)
	for i := range data {
		data[i] = EncodeMuLaw(12000)
	}
	frame := AudioFrame{Data: data, Codec: CodecMuLaw8k}

	faded := FadeOutTail(frame, 80)

	if &faded.Data[0] == &frame.Data[0] {
		t.Fatal("FadeOutTail must not mutate the input frame")
	}
	// Last sample should be (near) silent, first untouched.
	if got := DecodeMuLaw(faded.Data[0]); got < 11000 {
		t.Errorf("head sample faded: %d", got)
	}
	last := DecodeMuLaw(faded.Data[159])
	if last > 400 || last < -400 {
		t.Errorf("tail sample = %d, want near zero", last)
	}
}

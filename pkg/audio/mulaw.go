package audio

// μ-law codec per ITU-T G.711. Decoding is a single table lookup, cheap enough
// for per-frame energy analysis in the VAD hot path; encoding is only used on
// the fade-out tail of a stopped playback and computes directly.

const muLawBias = 0x84

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// DecodeMuLaw decodes a μ-law byte into a 16-bit linear PCM sample.
func DecodeMuLaw(b byte) int16 {
	return muLawDecodeTable[b]
}

// EncodeMuLaw encodes a 16-bit linear PCM sample into a μ-law byte.
func EncodeMuLaw(s int16) byte {
	sign := byte(0)
	v := int32(s)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > 32635 {
		v = 32635
	}
	v += muLawBias

	exponent := int32(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)

	return ^(sign | byte(exponent)<<4 | mantissa)
}

// Energy returns the normalised mean absolute amplitude of frame in [0, 1].
// μ-law payloads are decoded through the G.711 table; PCM payloads are read
// as little-endian int16. An empty frame has zero energy.
func Energy(frame AudioFrame) float64 {
	if len(frame.Data) == 0 {
		return 0
	}

	var total float64
	var samples int

	switch frame.Codec {
	case CodecMuLaw8k:
		for _, b := range frame.Data {
			s := muLawDecodeTable[b]
			if s < 0 {
				s = -s
			}
			total += float64(s)
		}
		samples = len(frame.Data)
	default:
		n := len(frame.Data) / 2
		for i := 0; i < n; i++ {
			s := int16(frame.Data[2*i]) | int16(frame.Data[2*i+1])<<8
			if s < 0 {
				s = -s
			}
			total += float64(s)
		}
		samples = n
	}

	if samples == 0 {
		return 0
	}
	return total / float64(samples) / 32768.0
}

// FadeOutTail applies a linear fade to the last fadeLen bytes of a μ-law
// payload, returning a new slice. Non-μ-law frames are returned unchanged.
// Used by the playback buffer to avoid clicks when stopping mid-utterance.
func FadeOutTail(frame AudioFrame, fadeLen int) AudioFrame {
	if frame.Codec != CodecMuLaw8k || fadeLen <= 0 || len(frame.Data) == 0 {
		return frame
	}
	if fadeLen > len(frame.Data) {
		fadeLen = len(frame.Data)
	}

	out := make([]byte, len(frame.Data))
	copy(out, frame.Data)

	start := len(out) - fadeLen
	for i := 0; i < fadeLen; i++ {
		s := int32(muLawDecodeTable[out[start+i]])
		gain := int32(fadeLen - i)
		s = s * gain / int32(fadeLen)
		out[start+i] = EncodeMuLaw(int16(s))
	}

	faded := frame
	faded.Data = out
	return faded
}

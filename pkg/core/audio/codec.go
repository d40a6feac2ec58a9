package audio

import (
	"fmt"

	"github.com/serviolabs/servio/pkg/core"
)

// G.711 mu-law constants.
const (
	ulawBias = 0x84
	ulawClip = 32635
)

// DecodeULaw converts a mu-law payload to 16-bit little-endian PCM.
// Pure: same input always yields the same output. Empty payloads are
// rejected as malformed rather than returned as zero-length PCM.
func DecodeULaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, core.NewError(core.ErrMalformedAudio, "empty mu-law payload")
	}
	pcm := make([]byte, len(raw)*2)
	for i, u := range raw {
		sample := DecodeULawSample(u)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm, nil
}

// EncodeULaw converts 16-bit little-endian PCM to a mu-law payload.
func EncodeULaw(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, core.NewError(core.ErrMalformedAudio, "empty PCM payload")
	}
	if len(pcm)%2 != 0 {
		return nil, core.NewError(core.ErrMalformedAudio,
			fmt.Sprintf("truncated PCM payload: %d bytes", len(pcm)))
	}
	raw := make([]byte, len(pcm)/2)
	for i := range raw {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		raw[i] = EncodeULawSample(sample)
	}
	return raw, nil
}

// DecodeULawSample expands one mu-law code byte to a linear sample.
func DecodeULawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= exp
	value -= ulawBias
	if sign != 0 {
		value = -value
	}
	return int16(value)
}

// EncodeULawSample compresses one linear sample to a mu-law code byte.
func EncodeULawSample(sample int16) byte {
	// Widen before negating so -32768 does not overflow.
	value := int(sample)
	sign := 0
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > ulawClip {
		value = ulawClip
	}
	value += ulawBias

	exp := 7
	for mask := 0x4000; value&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (value >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

// Package audio holds the telephony audio model: frame format parameters,
// the immutable frame type, the G.711 mu-law codec, and energy measurement.
package audio

// Encoding identifies the byte layout of an audio payload.
type Encoding string

const (
	// EncodingULaw is G.711 mu-law, 8 bits per sample.
	EncodingULaw Encoding = "mulaw"
	// EncodingLinear16 is signed 16-bit little-endian PCM.
	EncodingLinear16 Encoding = "linear16"
)

// BitsPerSample returns the sample width for the encoding, or 0 if unknown.
func (e Encoding) BitsPerSample() int {
	switch e {
	case EncodingULaw:
		return 8
	case EncodingLinear16:
		return 16
	default:
		return 0
	}
}

// Config specifies audio format parameters for one direction of a call.
type Config struct {
	// SampleRate in Hz. Telephony media streams use 8000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// Encoding of the raw payload bytes.
	Encoding Encoding `json:"encoding"`
}

// DefaultTelephonyConfig returns the format used on the phone leg:
// 8 kHz mono mu-law.
func DefaultTelephonyConfig() Config {
	return Config{
		SampleRate: 8000,
		Channels:   1,
		Encoding:   EncodingULaw,
	}
}

// PCMConfig returns the linear PCM format matching c's rate and channels.
func (c Config) PCMConfig() Config {
	c.Encoding = EncodingLinear16
	return c
}

// BytesPerSecond returns the audio byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.Encoding.BitsPerSample() / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c Config) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c Config) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

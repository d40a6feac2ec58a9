package audio

import "time"

// Direction tells which way a frame travels relative to the caller.
type Direction int

const (
	// Inbound frames arrive from the caller.
	Inbound Direction = iota
	// Outbound frames are synthesized replies sent to the caller.
	Outbound
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "INBOUND"
	case Outbound:
		return "OUTBOUND"
	default:
		return "UNKNOWN"
	}
}

// Frame is a timestamped chunk of audio in a declared encoding. Frames are
// never mutated after creation; Data must not be written to by consumers.
type Frame struct {
	Direction Direction
	Encoding  Encoding
	Data      []byte
	At        time.Time
}

// NewFrame builds a frame stamped with the current time.
func NewFrame(dir Direction, enc Encoding, data []byte) Frame {
	return Frame{Direction: dir, Encoding: enc, Data: data, At: time.Now()}
}

// DurationMs returns the frame's play time at the given sample rate, mono.
func (f Frame) DurationMs(sampleRate int) int {
	c := Config{SampleRate: sampleRate, Channels: 1, Encoding: f.Encoding}
	return c.DurationMs(len(f.Data))
}

package vad

import (
	"math/rand"
	"testing"
)

// fixedClassifier replays a scripted speech/silence sequence.
type fixedClassifier struct {
	labels []bool
	pos    int
}

func (f *fixedClassifier) IsSpeech([]byte) bool {
	if f.pos >= len(f.labels) {
		return false
	}
	label := f.labels[f.pos]
	f.pos++
	return label
}

func runGate(t *testing.T, config Config, labels []bool) []Event {
	t.Helper()
	gate, err := NewGate(config, &fixedClassifier{labels: labels})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	var events []Event
	for range labels {
		if ev := gate.ProcessFrame(nil); ev != None {
			events = append(events, ev)
		}
	}
	return events
}

func repeat(label bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = label
	}
	return out
}

func TestGateConfigValidation(t *testing.T) {
	if _, err := NewGate(Config{StartFrames: 0, EndFrames: 5}, &fixedClassifier{}); err == nil {
		t.Error("zero start_frames accepted")
	}
	if _, err := NewGate(Config{StartFrames: 3, EndFrames: -1}, &fixedClassifier{}); err == nil {
		t.Error("negative end_frames accepted")
	}
	if _, err := NewGate(Config{}, nil); err == nil {
		t.Error("nil classifier accepted")
	}
	if _, err := NewGate(Config{}, &fixedClassifier{}); err != nil {
		t.Errorf("zero config should take defaults: %v", err)
	}
}

func TestGateStartEndDebounce(t *testing.T) {
	config := Config{StartFrames: 3, EndFrames: 4}

	// Two speech frames then silence: spike, no start.
	labels := append(repeat(true, 2), repeat(false, 10)...)
	if events := runGate(t, config, labels); len(events) != 0 {
		t.Fatalf("noise spike produced events: %v", events)
	}

	// Three speech, a short pause, more speech, then long silence:
	// one start, one end, the pause swallowed.
	labels = append(repeat(true, 3), repeat(false, 3)...)
	labels = append(labels, repeat(true, 2)...)
	labels = append(labels, repeat(false, 4)...)
	events := runGate(t, config, labels)
	if len(events) != 2 || events[0] != UtteranceStart || events[1] != UtteranceEnd {
		t.Fatalf("events = %v, want [UTTERANCE_START UTTERANCE_END]", events)
	}
}

func TestGateNeverEndsWithoutStart(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		labels := make([]bool, 400)
		for i := range labels {
			labels[i] = rng.Intn(3) == 0
		}
		events := runGate(t, Config{StartFrames: 2, EndFrames: 3}, labels)

		open := false
		for i, ev := range events {
			switch ev {
			case UtteranceStart:
				if open {
					t.Fatalf("trial %d: start at event %d without intervening end", trial, i)
				}
				open = true
			case UtteranceEnd:
				if !open {
					t.Fatalf("trial %d: end at event %d without prior start", trial, i)
				}
				open = false
			}
		}
	}
}

func TestGateReset(t *testing.T) {
	gate, err := NewGate(Config{StartFrames: 2, EndFrames: 2}, &fixedClassifier{labels: repeat(true, 10)})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	gate.ProcessFrame(nil)
	if ev := gate.ProcessFrame(nil); ev != UtteranceStart {
		t.Fatalf("expected start, got %v", ev)
	}
	if !gate.Open() {
		t.Fatal("gate should report open")
	}
	gate.Reset()
	if gate.Open() {
		t.Fatal("gate should be closed after reset")
	}
	// After reset the next end can only come after a fresh start.
	gate.ProcessFrame(nil)
	if ev := gate.ProcessFrame(nil); ev != UtteranceStart {
		t.Fatalf("expected fresh start after reset, got %v", ev)
	}
}

func TestEnergyClassifier(t *testing.T) {
	c := NewEnergyClassifier(0)
	if c.Threshold != DefaultEnergyThreshold {
		t.Fatalf("default threshold = %f", c.Threshold)
	}
	silence := make([]byte, 320)
	if c.IsSpeech(silence) {
		t.Fatal("silence classified as speech")
	}
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x20
	}
	if !c.IsSpeech(loud) {
		t.Fatal("loud frame classified as silence")
	}
}

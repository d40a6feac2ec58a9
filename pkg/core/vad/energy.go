package vad

import "github.com/serviolabs/servio/pkg/core/audio"

// EnergyClassifier labels a frame as speech when its RMS energy clears a
// threshold. Good enough for telephony where the line is quiet between
// utterances; swap in a model-backed classifier for noisy environments.
type EnergyClassifier struct {
	// Threshold is the RMS energy level above which a frame counts as
	// speech. Range 0.0 to 1.0.
	Threshold float64
}

// DefaultEnergyThreshold matches quiet phone-line background noise.
const DefaultEnergyThreshold = 0.02

// NewEnergyClassifier creates a classifier with the given threshold,
// falling back to the default when threshold is zero.
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyClassifier{Threshold: threshold}
}

// IsSpeech reports whether the PCM frame's energy clears the threshold.
func (c *EnergyClassifier) IsSpeech(pcm []byte) bool {
	return audio.CalculateRMSEnergy(pcm) >= c.Threshold
}

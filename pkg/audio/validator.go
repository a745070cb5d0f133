package audio

import (
	"encoding/binary"
	"math"
)

// wavHeaderSize is the length of a canonical RIFF/WAVE header. Browser
// captures sometimes arrive WAV-wrapped; the validator skips the header so
// energy is computed over samples only.
const wavHeaderSize = 44

// ValidatorConfig tunes the input gate applied before transcription.
type ValidatorConfig struct {
	// EnergyThreshold is the minimum RMS energy (int16 scale) for audio to
	// count as speech rather than silence or line noise.
	EnergyThreshold float64

	// SpeechRatioThreshold is the minimum fraction of 30 ms windows that must
	// individually clear the energy threshold. Clamped to [0.01, 0.5].
	SpeechRatioThreshold float64

	// SampleRate of the PCM input in Hz.
	SampleRate int
}

// DefaultValidatorConfig returns the gate settings used in production.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		EnergyThreshold:      500,
		SpeechRatioThreshold: 0.03,
		SampleRate:           16000,
	}
}

// Validator decides whether captured audio is worth transcribing. Rejected
// audio is never an error condition: the caller drops it, optionally telling
// the client that no speech was detected.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator creates a Validator, clamping out-of-range config values.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 500
	}
	cfg.SpeechRatioThreshold = min(max(cfg.SpeechRatioThreshold, 0.01), 0.5)
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Validator{cfg: cfg}
}

// Result reports why a buffer passed or failed validation.
type Result struct {
	Valid       bool
	Reason      string
	Energy      float64
	SpeechRatio float64
}

// Validate checks pcm (16-bit LE samples, optionally WAV-wrapped) against the
// energy and speech-ratio gates.
func (v *Validator) Validate(pcm []byte) Result {
	samples := pcmSamples(pcm)
	if len(samples) == 0 {
		return Result{Reason: "empty audio"}
	}

	energy := rms(samples)
	if energy < v.cfg.EnergyThreshold {
		return Result{Reason: "energy below threshold", Energy: energy}
	}

	ratio := v.speechRatio(samples)
	if ratio < v.cfg.SpeechRatioThreshold {
		return Result{Reason: "speech ratio below threshold", Energy: energy, SpeechRatio: ratio}
	}

	return Result{Valid: true, Energy: energy, SpeechRatio: ratio}
}

// speechRatio returns the fraction of 30 ms windows whose individual RMS
// clears the energy threshold. Short trailing windows are ignored.
func (v *Validator) speechRatio(samples []int16) float64 {
	window := v.cfg.SampleRate * 30 / 1000
	if window <= 0 || len(samples) < window {
		// Single short burst: treat the whole buffer as one window.
		if rms(samples) >= v.cfg.EnergyThreshold {
			return 1
		}
		return 0
	}

	var total, speech int
	for i := 0; i+window <= len(samples); i += window {
		total++
		if rms(samples[i:i+window]) >= v.cfg.EnergyThreshold {
			speech++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(speech) / float64(total)
}

// pcmSamples decodes 16-bit LE PCM into samples, skipping a RIFF header when
// present. A trailing odd byte is ignored.
func pcmSamples(data []byte) []int16 {
	if len(data) >= 4 && string(data[:4]) == "RIFF" {
		if len(data) <= wavHeaderSize {
			return nil
		}
		data = data[wavHeaderSize:]
	}
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// rms computes root-mean-square energy over int16 samples.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

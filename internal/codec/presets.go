package codec

import (
	"fmt"
	"math/rand"
	"time"
)

// Preset names accepted by Instantiate.
const (
	PresetGentle  = "gentle"
	PresetPulse   = "pulse"
	PresetWave    = "wave"
	PresetIntense = "intense"
	PresetRandom  = "random"
)

// presetCycles holds the fixed parameter cycles. The random preset is
// generated fresh per call and has no entry here.
var presetCycles = map[string][]Sample{
	PresetGentle: {
		{Frequency: 30, Strength: 20},
		{Frequency: 35, Strength: 25},
		{Frequency: 40, Strength: 30},
		{Frequency: 35, Strength: 25},
	},
	PresetPulse: {
		{Frequency: 120, Strength: 80},
		{Frequency: 120, Strength: 80},
		{Frequency: 10, Strength: 0},
		{Frequency: 10, Strength: 0},
	},
	PresetWave: {
		{Frequency: 60, Strength: 10},
		{Frequency: 80, Strength: 30},
		{Frequency: 100, Strength: 55},
		{Frequency: 120, Strength: 80},
		{Frequency: 100, Strength: 55},
		{Frequency: 80, Strength: 30},
	},
	PresetIntense: {
		{Frequency: 150, Strength: 90},
		{Frequency: 180, Strength: 100},
		{Frequency: 210, Strength: 95},
		{Frequency: 180, Strength: 100},
	},
}

// PresetNames lists every accepted preset, random included.
func PresetNames() []string {
	return []string{PresetGentle, PresetPulse, PresetWave, PresetIntense, PresetRandom}
}

// IsPreset reports whether name is a known preset.
func IsPreset(name string) bool {
	if name == PresetRandom {
		return true
	}
	_, ok := presetCycles[name]
	return ok
}

// Instantiate tiles a preset's parameter cycle to cover duration at ten
// samples per second, truncating the tail to the exact requested length.
// The random preset draws a fresh cycle on every call; all other presets
// are deterministic. A non-positive duration yields no samples.
func Instantiate(preset string, duration time.Duration) ([]Sample, error) {
	if duration <= 0 {
		return nil, nil
	}
	cycle, err := presetCycle(preset)
	if err != nil {
		return nil, err
	}

	total := int(duration / SampleInterval)
	if total == 0 {
		total = 1
	}
	samples := make([]Sample, total)
	for i := range samples {
		samples[i] = cycle[i%len(cycle)]
	}
	return samples, nil
}

func presetCycle(preset string) ([]Sample, error) {
	if preset == PresetRandom {
		return randomCycle(), nil
	}
	cycle, ok := presetCycles[preset]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, preset)
	}
	return cycle, nil
}

// randomCycle builds a short cycle of 4-8 samples with frequencies and
// strengths drawn from mid ranges, so even the random preset stays inside
// comfortable output.
func randomCycle() []Sample {
	n := 4 + rand.Intn(5)
	cycle := make([]Sample, n)
	for i := range cycle {
		cycle[i] = Sample{
			Frequency: MinFrequency + rand.Intn(240),
			Strength:  10 + rand.Intn(81),
		}
	}
	return cycle
}

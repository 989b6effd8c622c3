package codec

import "math"

// Gradient interpolates frequency and strength linearly from the first to
// the second sample across steps samples, both endpoints included. Fewer
// than two steps collapse to the start value.
func Gradient(from, to Sample, steps int) []Sample {
	if steps <= 0 {
		return nil
	}
	samples := make([]Sample, steps)
	if steps == 1 {
		samples[0] = clampSample(from)
		return samples
	}
	for i := 0; i < steps; i++ {
		t := float64(i) / float64(steps-1)
		samples[i] = clampSample(Sample{
			Frequency: from.Frequency + int(math.Round(t*float64(to.Frequency-from.Frequency))),
			Strength:  from.Strength + int(math.Round(t*float64(to.Strength-from.Strength))),
		})
	}
	return samples
}

// Sine modulates frequency and strength sinusoidally around a base sample.
// cycles full periods are spread across the requested sample count; the
// amplitudes may differ per axis. Output is clamped into the logical ranges.
func Sine(base Sample, freqAmplitude, strengthAmplitude, cycles, samples int) []Sample {
	if samples <= 0 {
		return nil
	}
	if cycles <= 0 {
		cycles = 1
	}
	out := make([]Sample, samples)
	for i := 0; i < samples; i++ {
		phase := 2 * math.Pi * float64(cycles) * float64(i) / float64(samples)
		mod := math.Sin(phase)
		out[i] = clampSample(Sample{
			Frequency: base.Frequency + int(math.Round(mod*float64(freqAmplitude))),
			Strength:  base.Strength + int(math.Round(mod*float64(strengthAmplitude))),
		})
	}
	return out
}

func clampSample(s Sample) Sample {
	return Sample{
		Frequency: clampInt(s.Frequency, MinFrequency, MaxFrequency),
		Strength:  clampInt(s.Strength, 0, MaxSampleStrength),
	}
}

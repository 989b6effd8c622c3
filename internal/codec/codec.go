// Package codec converts logical waveform descriptions into the fixed-size
// wire units the stimulation hardware replays, and back. All functions are
// pure; numeric out-of-range input is clamped, never rejected.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinFrequency and MaxFrequency bound the logical input range in Hz-like
	// vendor units.
	MinFrequency = 10
	MaxFrequency = 1000

	// MinProtocolFrequency and MaxProtocolFrequency bound the on-wire
	// frequency byte after piecewise compression.
	MinProtocolFrequency = 10
	MaxProtocolFrequency = 240

	// MaxSampleStrength is the per-sample strength ceiling inside waveform
	// data (percent of the channel strength, not the channel strength itself).
	MaxSampleStrength = 100

	// SamplesPerUnit is how many 100ms ticks one wire unit carries.
	SamplesPerUnit = 4

	// UnitHexLen is the lexical width of one encoded unit: 8 bytes, two hex
	// digits each.
	UnitHexLen = 16

	// SampleInterval is the playback duration of a single sample.
	SampleInterval = 100 * time.Millisecond

	// SamplesPerSecond is the logical sample rate implied by SampleInterval.
	SamplesPerSecond = 10
)

var (
	// ErrLengthMismatch reports frequency/strength sequences of different
	// lengths handed to EncodeFrame.
	ErrLengthMismatch = errors.New("frequency and strength sequences differ in length")

	// ErrBadUnit reports a wire unit that is not 16 hex characters.
	ErrBadUnit = errors.New("malformed wire unit")

	// ErrUnknownPreset reports an unrecognized preset name.
	ErrUnknownPreset = errors.New("unknown waveform preset")
)

// Sample is one 100ms tick of waveform output.
type Sample struct {
	Frequency int `json:"frequency"`
	Strength  int `json:"strength"`
}

// MapFrequency compresses a logical frequency in [10,1000] into the protocol
// byte range [10,240]. Values at or below 100 pass through unchanged, the
// 101-600 band is compressed 5:1 with a +100 offset and the 601-1000 band
// 10:1 with a +200 offset. Out-of-range input clamps to the nearest bound.
func MapFrequency(input int) int {
	input = clampInt(input, MinFrequency, MaxFrequency)
	switch {
	case input <= 100:
		return input
	case input <= 600:
		return 100 + (input-100)/5
	default:
		return 200 + (input-600)/10
	}
}

// UnmapFrequency is the exact inverse of MapFrequency on the protocol
// domain. Out-of-range input clamps to the nearest protocol bound.
func UnmapFrequency(v int) int {
	v = clampInt(v, MinProtocolFrequency, MaxProtocolFrequency)
	switch {
	case v <= 100:
		return v
	case v <= 200:
		return (v-100)*5 + 100
	default:
		return (v-200)*10 + 600
	}
}

// EncodeFrame packs equal-length frequency and strength sequences into wire
// units of four samples each. Every emitted unit is exactly UnitHexLen
// characters: four mapped frequency bytes followed by four strength bytes,
// zero-padded upper-case hex. A final partial window is filled by repeating
// its last sample so the unit count is always ceil(len/4).
func EncodeFrame(frequencies, strengths []int) ([]string, error) {
	if len(frequencies) != len(strengths) {
		return nil, fmt.Errorf("%w: %d frequencies, %d strengths", ErrLengthMismatch, len(frequencies), len(strengths))
	}
	if len(frequencies) == 0 {
		return nil, nil
	}

	units := make([]string, 0, (len(frequencies)+SamplesPerUnit-1)/SamplesPerUnit)
	for start := 0; start < len(frequencies); start += SamplesPerUnit {
		var freqPart, strengthPart strings.Builder
		for i := 0; i < SamplesPerUnit; i++ {
			idx := start + i
			if idx >= len(frequencies) {
				idx = len(frequencies) - 1
			}
			fmt.Fprintf(&freqPart, "%02X", MapFrequency(frequencies[idx]))
			fmt.Fprintf(&strengthPart, "%02X", clampInt(strengths[idx], 0, MaxSampleStrength))
		}
		units = append(units, freqPart.String()+strengthPart.String())
	}
	return units, nil
}

// EncodeSamples is EncodeFrame for a single sample slice.
func EncodeSamples(samples []Sample) ([]string, error) {
	frequencies := make([]int, len(samples))
	strengths := make([]int, len(samples))
	for i, s := range samples {
		frequencies[i] = s.Frequency
		strengths[i] = s.Strength
	}
	return EncodeFrame(frequencies, strengths)
}

// DecodeFrame reverses EncodeFrame, returning logical frequencies and
// strengths. It exists for round-trip verification; the wire path never
// decodes its own output.
func DecodeFrame(units []string) ([]int, []int, error) {
	frequencies := make([]int, 0, len(units)*SamplesPerUnit)
	strengths := make([]int, 0, len(units)*SamplesPerUnit)
	for _, unit := range units {
		if len(unit) != UnitHexLen {
			return nil, nil, fmt.Errorf("%w: %q has length %d", ErrBadUnit, unit, len(unit))
		}
		for i := 0; i < SamplesPerUnit; i++ {
			f, err := parseHexByte(unit[i*2 : i*2+2])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q: %v", ErrBadUnit, unit, err)
			}
			s, err := parseHexByte(unit[8+i*2 : 8+i*2+2])
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q: %v", ErrBadUnit, unit, err)
			}
			frequencies = append(frequencies, UnmapFrequency(f))
			strengths = append(strengths, s)
		}
	}
	return frequencies, strengths, nil
}

func parseHexByte(s string) (int, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

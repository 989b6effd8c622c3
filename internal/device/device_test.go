package device

import (
	"testing"
	"time"

	"stim-hub/internal/codec"
)

func TestClampStrength(t *testing.T) {
	if got := ClampStrength(9999, 100); got != 100 {
		t.Fatalf("ClampStrength(9999, 100) = %d, want 100", got)
	}
	if got := ClampStrength(-5, 100); got != 0 {
		t.Fatalf("ClampStrength(-5, 100) = %d, want 0", got)
	}
	if got := ClampStrength(42, 100); got != 42 {
		t.Fatalf("ClampStrength(42, 100) = %d, want 42", got)
	}
}

func TestEffectiveStrength(t *testing.T) {
	cases := []struct {
		name    string
		mode    StrengthMode
		value   int
		current int
		limit   int
		want    int
	}{
		{"set clamps to limit", ModeSet, 9999, 0, 100, 100},
		{"set passes through", ModeSet, 50, 0, 200, 50},
		{"set floors at zero", ModeSet, -10, 0, 200, 0},
		{"increase limited by headroom", ModeIncrease, 50, 180, 200, 20},
		{"increase with no headroom", ModeIncrease, 10, 200, 200, 0},
		{"increase unknown current", ModeIncrease, 9999, -1, 100, 100},
		{"decrease capped at current", ModeDecrease, 500, 30, 200, 30},
		{"decrease unknown current", ModeDecrease, 500, -1, 200, 200},
	}
	for _, tc := range cases {
		if got := EffectiveStrength(tc.mode, tc.value, tc.current, tc.limit); got != tc.want {
			t.Errorf("%s: EffectiveStrength(%v, %d, %d, %d) = %d, want %d",
				tc.name, tc.mode, tc.value, tc.current, tc.limit, got, tc.want)
		}
	}
}

func TestWaveformResolvePreset(t *testing.T) {
	w := Waveform{Preset: codec.PresetPulse, Duration: time.Second}
	samples, err := w.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(samples) != codec.SamplesPerSecond {
		t.Fatalf("got %d samples, want %d", len(samples), codec.SamplesPerSecond)
	}
}

func TestWaveformResolveExplicit(t *testing.T) {
	in := []codec.Sample{{Frequency: 100, Strength: 50}}
	w := Waveform{Samples: in}
	samples, err := w.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(samples) != 1 || samples[0] != in[0] {
		t.Fatalf("explicit samples not passed through: %+v", samples)
	}
}

func TestWaveformResolveUnknownPreset(t *testing.T) {
	w := Waveform{Preset: "nope", Duration: time.Second}
	if _, err := w.Resolve(); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestNotifierDropsWhenFull(t *testing.T) {
	sink := make(chan Notification, 1)
	n := NewNotifier(sink)
	n.Publish(Notification{Kind: NotifyStatus, DeviceID: "a"})
	n.Publish(Notification{Kind: NotifyStatus, DeviceID: "b"})
	if len(sink) != 1 {
		t.Fatalf("sink length = %d, want 1", len(sink))
	}
	got := <-sink
	if got.DeviceID != "a" {
		t.Fatalf("kept notification = %q, want first one", got.DeviceID)
	}
	if got.At.IsZero() {
		t.Fatal("Publish should stamp At")
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Publish(Notification{Kind: NotifyError})
	NewNotifier(nil).Publish(Notification{Kind: NotifyError})
}

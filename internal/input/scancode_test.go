package input

import "testing"

func TestRDPScancodeToEvdev_Standard(t *testing.T) {
	cases := []struct {
		code uint8
		want uint16
	}{
		{0x1E, 38}, // A
		{0x39, 65}, // Space
		{0x1C, 36}, // Enter
		{0x01, 9},  // Escape
		{0x3B, 67}, // F1
	}
	for _, c := range cases {
		got, ok := RDPScancodeToEvdev(c.code, false)
		if !ok {
			t.Fatalf("code %#x: expected mapping, got none", c.code)
		}
		if got != c.want {
			t.Errorf("code %#x: got %d, want %d", c.code, got, c.want)
		}
	}
}

func TestRDPScancodeToEvdev_Extended(t *testing.T) {
	cases := []struct {
		code uint8
		want uint16
	}{
		{0x1D, 105}, // Right Ctrl
		{0x48, 111}, // Up Arrow
		{0x5B, 133}, // Left Super
		{0x53, 119}, // Delete
	}
	for _, c := range cases {
		got, ok := RDPScancodeToEvdev(c.code, true)
		if !ok {
			t.Fatalf("extended code %#x: expected mapping, got none", c.code)
		}
		if got != c.want {
			t.Errorf("extended code %#x: got %d, want %d", c.code, got, c.want)
		}
	}
}

func TestRDPScancodeToEvdev_UnmappedReturnsFalse(t *testing.T) {
	if _, ok := RDPScancodeToEvdev(0x00, false); ok {
		t.Error("expected no mapping for 0x00 standard")
	}
	if _, ok := RDPScancodeToEvdev(0x7F, false); ok {
		t.Error("expected no mapping for 0x7F standard")
	}
	if _, ok := RDPScancodeToEvdev(0xFF, true); ok {
		t.Error("expected no mapping for 0xFF extended")
	}
}

func TestUnicodeControlFallback(t *testing.T) {
	cases := []struct {
		r    rune
		want uint16
	}{
		{'\b', 22},
		{'\t', 23},
		{'\r', 36},
		{'\n', 36},
		{'\x1b', 9},
		{'\x7f', 119},
	}
	for _, c := range cases {
		got, ok := UnicodeControlFallback(c.r)
		if !ok {
			t.Fatalf("rune %q: expected fallback, got none", c.r)
		}
		if got != c.want {
			t.Errorf("rune %q: got %d, want %d", c.r, got, c.want)
		}
	}

	if _, ok := UnicodeControlFallback('a'); ok {
		t.Error("expected no fallback for ordinary printable rune")
	}
}

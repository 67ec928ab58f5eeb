package deviceid

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want ID
	}{
		{"a1", "A1"},
		{"A1", "A1"},
		{"  Device-001 ", "DEVICE-001"},
		{"device-001", "DEVICE-001"},
		{"device_001", "DEVICE-001"},
		{"device  001", "DEVICE-001"},
		{"ab:cd:ef", "AB-CD-EF"},
		{"--x--", "X"},
		{"\tphone\n", "PHONE"},
		{"ＡＢＣ１２３", "ABC123"}, // fullwidth forms fold under NFKC
		{"straße", "STRASSE"},
	}

	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		if err != nil {
			t.Errorf("Normalize(%q) error = %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"\t\n",
		"---",
		"::__::",
		"́́", // combining marks only
		strings.Repeat("a", MaxLength+1),
	}

	for _, raw := range inputs {
		_, err := Normalize(raw)
		if err == nil {
			t.Errorf("Normalize(%q) expected error", raw)
			continue
		}
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("Normalize(%q) error = %v, want ErrInvalid", raw, err)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"a1",
		"  Device-001 ",
		"device_001",
		"x:y:z",
		"ǰob-7",
		"Ünïcödé ID 42",
		"ＡＢＣ１２３",
		"straße",
		"serial#0042/rev.b",
	}

	for _, raw := range inputs {
		once, err := Normalize(raw)
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", raw, err)
		}
		twice, err := Normalize(string(once))
		if err != nil {
			t.Fatalf("Normalize(Normalize(%q)) error = %v", raw, err)
		}
		if once != twice {
			t.Errorf("not idempotent for %q: %q -> %q", raw, once, twice)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("  Device-001 ", "device-001") {
		t.Error("expected padded and lower-case spellings to be equal")
	}
	if Equal("device-001", "device-002") {
		t.Error("expected different devices to differ")
	}
	if Equal("", "") {
		t.Error("invalid ids must never be equal")
	}
}

func TestMustNormalizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustNormalize should panic on invalid input")
		}
	}()
	MustNormalize("   ")
}

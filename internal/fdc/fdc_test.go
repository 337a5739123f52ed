package fdc

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeName_PadsRightWithZeros(t *testing.T) {
	t.Parallel()

	h, err := EncodeName("Payment")
	if err != nil {
		t.Fatalf("EncodeName: %v", err)
	}
	if got, want := h.Hex(), "0x5061796d656e7400000000000000000000000000000000000000000000000000"; got != want {
		t.Fatalf("encoded name: got %s want %s", got, want)
	}
	if got := DecodeName(h); got != "Payment" {
		t.Fatalf("DecodeName: got %q want %q", got, "Payment")
	}
}

func TestEncodeName_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := EncodeName("  "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("empty name: got %v want ErrInvalidName", err)
	}
	if _, err := EncodeName("0123456789012345678901234567890123"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("long name: got %v want ErrInvalidName", err)
	}
}

func TestSourceEncodings(t *testing.T) {
	t.Parallel()

	if got, want := SourceTestXRP().Hex(), "0x7465737458525000000000000000000000000000000000000000000000000000"; got != want {
		t.Fatalf("testXRP: got %s want %s", got, want)
	}
	if got, want := SourceXRP().Hex(), "0x5852500000000000000000000000000000000000000000000000000000000000"; got != want {
		t.Fatalf("XRP: got %s want %s", got, want)
	}
}

func TestNormalizeTxID(t *testing.T) {
	t.Parallel()

	const raw = "A30B44A9117E9F2DE7F0C7A016F4D7D9BE109EEF8D0D7A2C2B59E27F0C19E3A1"
	h, err := NormalizeTxID("0x" + raw)
	if err != nil {
		t.Fatalf("NormalizeTxID: %v", err)
	}
	if got, want := h.Hex(), "0x"+"a30b44a9117e9f2de7f0c7a016f4d7d9be109eef8d0d7a2c2b59e27f0c19e3a1"; got != want {
		t.Fatalf("tx id: got %s want %s", got, want)
	}
	if _, err := NormalizeTxID("abc"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("short tx id: got %v want ErrInvalidName", err)
	}
	if _, err := NormalizeTxID("zz" + raw[2:]); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("non-hex tx id: got %v want ErrInvalidName", err)
	}
}

func TestRoundTiming_RoundOf(t *testing.T) {
	t.Parallel()

	timing, err := NewRoundTiming(1658430000, 90)
	if err != nil {
		t.Fatalf("NewRoundTiming: %v", err)
	}

	start := time.Unix(1658430000, 0).UTC()
	cases := []struct {
		name string
		ts   time.Time
		want uint64
	}{
		{"first round start", start, 0},
		{"just inside first round", start.Add(89 * time.Second), 0},
		{"second round boundary", start.Add(90 * time.Second), 1},
		{"deep round", start.Add(90 * 1000 * time.Second), 1000},
	}
	for _, tc := range cases {
		got, err := timing.RoundOf(tc.ts)
		if err != nil {
			t.Fatalf("%s: RoundOf: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}

	if _, err := timing.RoundOf(start.Add(-time.Second)); !errors.Is(err, ErrInvalidTiming) {
		t.Fatalf("pre-genesis timestamp: got %v want ErrInvalidTiming", err)
	}
	if got, want := timing.EndOf(0), timing.StartOf(1); !got.Equal(want) {
		t.Fatalf("EndOf(0): got %s want %s", got, want)
	}
}

package timemath_test

import (
	"testing"
	"time"

	"example.com/pathtime/base/timemath"
)

func TestDuration(t *testing.T) {
	if got, want := timemath.Duration(1.5), 1500*time.Millisecond; got != want {
		t.Fatalf("Duration(1.5) = %v, want %v", got, want)
	}
	if got, want := timemath.Duration(0.000000001), time.Nanosecond; got != want {
		t.Fatalf("Duration(1e-9) = %v, want %v", got, want)
	}
}

func TestInv(t *testing.T) {
	if got, want := timemath.Inv(3*time.Second), -3*time.Second; got != want {
		t.Fatalf("Inv(3s) = %v, want %v", got, want)
	}
}

func TestMicros(t *testing.T) {
	if got, want := timemath.Micros(1_015_000_000-1_000_000_000), 15_000.0; got != want {
		t.Fatalf("Micros = %v, want %v", got, want)
	}
	if got, want := timemath.Micros(-2500), -2.5; got != want {
		t.Fatalf("Micros(-2500) = %v, want %v", got, want)
	}
	if got, want := timemath.Millis(2_000_000), 2.0; got != want {
		t.Fatalf("Millis(2e6) = %v, want %v", got, want)
	}
}

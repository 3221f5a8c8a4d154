package utils

import (
	"testing"
	"time"
)

func TestParseYMD(t *testing.T) {
	got, err := ParseYMD("2026-10-18")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := ParseYMD("18/10/2026"); err == nil {
		t.Fatal("expected error for non-ISO date")
	}
}

func TestDateWindow(t *testing.T) {
	from := time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("X", 3600))
	f, to := DateWindow(&from, nil)
	if f == nil || !f.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("from = %v", f)
	}
	if to == nil || !to.Equal(DateOnly(time.Now())) {
		t.Fatalf("open-ended window should end today, got %v", to)
	}

	f, to = DateWindow(nil, nil)
	if f != nil || to != nil {
		t.Fatalf("empty window = %v..%v", f, to)
	}
}

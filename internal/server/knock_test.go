package server

import (
	"testing"
	"time"
)

func TestWithinWallClockSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"exact", now, true},
		{"59s late", now.Add(-59 * time.Second), true},
		{"59s early", now.Add(59 * time.Second), true},
		{"61s late", now.Add(-61 * time.Second), false},
		{"61s early", now.Add(61 * time.Second), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := withinWallClockSkew(now, c.ts.UnixNano())
			if got != c.want {
				t.Fatalf("withinWallClockSkew(%v, %v) = %v, want %v", now, c.ts, got, c.want)
			}
		})
	}
}

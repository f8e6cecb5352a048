package main

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		phrase  string
		want    string
		wantErr bool
	}{
		{phrase: "2024-04-01", want: "2024-04-01"},
		{phrase: "  2024-04-01 ", want: "2024-04-01"},
		{phrase: "tomorrow", want: "2024-03-07"},
		{phrase: "today", want: "2024-03-06"},
		{phrase: "", wantErr: true},
		{phrase: "zzzz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			got, err := parseDate(tt.phrase, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseDate(%q) = %q, want error", tt.phrase, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDate(%q) failed: %v", tt.phrase, err)
			}
			if got != tt.want {
				t.Errorf("parseDate(%q) = %q, want %q", tt.phrase, got, tt.want)
			}
		})
	}
}

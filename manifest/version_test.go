package manifest

import (
	"errors"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{in: "1_0", want: Version{1, 0}},
		{in: "1_3", want: Version{1, 3}},
		{in: "2.11", want: Version{2, 11}},
		{in: " 3_4 ", want: Version{3, 4}},
		{in: "", wantErr: true},
		{in: "1", wantErr: true},
		{in: "1_", wantErr: true},
		{in: "_1", wantErr: true},
		{in: "a_b", wantErr: true},
		{in: "1_-2", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrParse) {
				t.Errorf("ParseVersion(%q): expected ErrParse, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestVersionString(t *testing.T) {
	if got := (Version{1, 3}).String(); got != "1_3" {
		t.Fatalf("String() = %q", got)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		local, server string
		want          Outcome
	}{
		{"1_0", "1_0", UpToDate},
		{"1_0", "1_3", HotfixNeeded},
		{"1_0", "2_0", IncompatibleUpgrade},
		{"1_5", "2_0", IncompatibleUpgrade},
		{"1_5", "1_3", UpToDate},
		{"2_0", "1_9", UpToDate},
	}

	for _, tt := range tests {
		local, err := ParseVersion(tt.local)
		if err != nil {
			t.Fatal(err)
		}
		server, err := ParseVersion(tt.server)
		if err != nil {
			t.Fatal(err)
		}
		if got := Compare(local, server); got != tt.want {
			t.Errorf("Compare(%s, %s) = %s, want %s", tt.local, tt.server, got, tt.want)
		}
	}
}

package version

import "testing"

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.2.3", "1.2.3", 0},
		{"V1.2.3", "v1.2.3", 0},
		{"2.0.0", "1.9.9", 1},
		{"1.9.9", "2.0.0", -1},
		{"1.2", "1.2.0", 0},
		{"1", "1.0.0", 0},
		{"1.10.0", "1.9.0", 1},
		{"1.2.4", "1.2.3", 1},
		{"", "0.0.0", 0},
		{"1.x.3", "1.0.3", 0},
		{"1.2.0-rc1", "1.2.0", 0},
		{"1.2.3-rc1", "1.2.3", 0},
		{"1.2.3+build7", "1.2.2", 1},
		{"1.2.3.4", "1.2.3", 0},
		{" v0.3.0 ", "0.3.0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCompareAntiSymmetry(t *testing.T) {
	versions := []string{"", "0.1", "v0.1.1", "1.0.0", "1.0.0-beta", "1.2", "1.2.10", "2", "v10.0.0", "garbage"}

	for _, a := range versions {
		if got := Compare(a, a); got != 0 {
			t.Errorf("Compare(%q, %q) = %d, want 0", a, a, got)
		}
		for _, b := range versions {
			if Compare(a, b) != -Compare(b, a) {
				t.Errorf("Compare(%q, %q) = %d but Compare(%q, %q) = %d", a, b, Compare(a, b), b, a, Compare(b, a))
			}
		}
	}
}

func TestParse(t *testing.T) {
	v := Parse("v3.14.15")
	if v.Major != 3 || v.Minor != 14 || v.Patch != 15 {
		t.Errorf("unexpected parse result: %+v", v)
	}
	if v.String() != "3.14.15" {
		t.Errorf("String() = %s, want 3.14.15", v.String())
	}
}

func TestIsNewer(t *testing.T) {
	if !IsNewer("v1.1.0", "1.0.9") {
		t.Error("1.1.0 should be newer than 1.0.9")
	}
	if IsNewer("1.0.0", "1.0.0") {
		t.Error("equal versions should not be newer")
	}
	if IsNewer("0.9.0", "1.0.0") {
		t.Error("older version should not be newer")
	}
}

package version

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		wantOK  bool
		wantStr string
	}{
		{"v1.2.3", true, "1.2.3"},
		{"1.2.3-beta", true, "1.2.3-beta"},
		{"2", true, "2.0.0"},
		{"", false, ""},
		{"1.2.3.4", false, ""},
		{"abc", false, ""},
	}
	for _, c := range cases {
		got, ok := Parse(c.in)
		if ok != c.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && got.String() != c.wantStr {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got.String(), c.wantStr)
		}
	}
}

func TestGreaterThan(t *testing.T) {
	v1, _ := Parse("1.2.3")
	v2, _ := Parse("1.2.4")
	if !v2.GreaterThan(v1) {
		t.Error("expected 1.2.4 > 1.2.3")
	}

	release, _ := Parse("1.0.0")
	pre, _ := Parse("1.0.0-beta")
	if !release.GreaterThan(pre) {
		t.Error("expected release to beat prerelease of same version")
	}
	if pre.GreaterThan(release) {
		t.Error("prerelease must not beat release of same version")
	}
}

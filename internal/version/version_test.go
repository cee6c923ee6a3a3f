package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	out := String()
	for _, want := range []string{"version: " + Version, "commit: " + Commit, "go: go"} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少 %q: %s", want, out)
		}
	}
	if UserAgent() != "ratewatch/"+Version {
		t.Fatalf("UserAgent 不正确: %s", UserAgent())
	}
}

package idgen

import (
	"regexp"
	"testing"
)

var idPattern = regexp.MustCompile(`^[a-z0-9]{24}$`)

func TestNew_ShapeAndPrefix(t *testing.T) {
	id := New("msg_")
	if len(id) != len("msg_")+24 {
		t.Fatalf("got length %d, want %d: %q", len(id), len("msg_")+24, id)
	}
	if got := id[:4]; got != "msg_" {
		t.Fatalf("prefix = %q, want msg_", got)
	}
	if !idPattern.MatchString(id[4:]) {
		t.Fatalf("suffix %q does not match %s", id[4:], idPattern)
	}
}

func TestNew_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := New("resp_")
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

package ids

import (
	"testing"
	"time"
)

func TestNewAtSortsByTime(t *testing.T) {
	base := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base.Add(time.Minute))
	c := NewAt(base.Add(time.Minute))
	if !(a < b && b < c) {
		t.Fatalf("ids not ordered: %s %s %s", a, b, c)
	}
	for _, id := range []string{a, b, c, New()} {
		if !Valid(id) {
			t.Fatalf("expected %s to be valid", id)
		}
	}
	if Valid("not-a-ulid") {
		t.Fatal("expected garbage to be rejected")
	}
}

package ids

import "testing"

func TestNewIsSortableAndValid(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s then %s", prev, next)
		}
		if !Valid(next) {
			t.Fatalf("generated id %s does not parse", next)
		}
		prev = next
	}
	if Valid("not-an-id") {
		t.Fatal("expected garbage to be rejected")
	}
}

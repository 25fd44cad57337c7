package session

import "testing"

func TestCorrelator_StrictlyIncreasingFromOne(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	for want := int64(1); want <= 5; want++ {
		if got := c.NextJobID(); got != want {
			t.Fatalf("NextJobID() = %d, want %d", got, want)
		}
	}
	if got := c.Last(); got != 5 {
		t.Errorf("Last() = %d, want 5", got)
	}
}

func TestCorrelator_ResetRestartsSequence(t *testing.T) {
	t.Parallel()

	c := NewCorrelator()
	c.NextJobID()
	c.NextJobID()
	c.Reset()

	if got := c.Last(); got != 0 {
		t.Errorf("Last() after Reset = %d, want 0", got)
	}
	if got := c.NextJobID(); got != 1 {
		t.Errorf("NextJobID() after Reset = %d, want 1", got)
	}
}

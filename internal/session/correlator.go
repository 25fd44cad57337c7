package session

// Correlator issues the monotonically increasing job ids that tie a pair of
// dispatched analysis requests to the results they eventually produce. Ids
// start at 1 so that the zero value is unambiguously "no job".
//
// A Correlator is not safe for concurrent use. The session [Manager] owns
// one and only touches it under its own lock.
type Correlator struct {
	next int64
}

// NewCorrelator returns a correlator whose first issued id is 1.
func NewCorrelator() *Correlator {
	return &Correlator{next: 1}
}

// NextJobID returns the next id. Every call returns a strictly larger value
// than the previous one until Reset.
func (c *Correlator) NextJobID() int64 {
	id := c.next
	c.next++
	return id
}

// Last returns the most recently issued id, or 0 when none has been issued
// since the last Reset.
func (c *Correlator) Last() int64 {
	return c.next - 1
}

// Reset restarts the sequence at 1. Called on session start so that results
// from a previous session can never match a current job id.
func (c *Correlator) Reset() {
	c.next = 1
}

package lifx

import "sync/atomic"

// SequenceCounter hands out per-connection sequence numbers. Values wrap at 256.
type SequenceCounter struct {
	n atomic.Uint32
}

// Next returns the next sequence number.
func (c *SequenceCounter) Next() uint8 {
	return uint8(c.n.Add(1) - 1)
}

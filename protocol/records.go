package protocol

import "context"

// Records is a batch of TLV records, the unit every layer passes around.
// It converts to net.Buffers for vectored writes.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Drainer consumes records. Implementations must not retain the slice
// past the call unless they copy it.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func(ctx context.Context, recs Records) error

func (f DrainFunc) Drain(ctx context.Context, recs Records) error {
	return f(ctx, recs)
}

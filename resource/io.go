package resource

import (
	"context"
	"io"
)

// ThrottledWriter applies the gate's IO limit to every write. Bundle
// export wraps its file writer in one so large exports cannot saturate
// the disk.
type ThrottledWriter struct {
	ctx  context.Context
	gate *Gate
	w    io.Writer
}

// NewThrottledWriter wraps w with the gate's IO limit.
func NewThrottledWriter(ctx context.Context, gate *Gate, w io.Writer) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, gate: gate, w: w}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := t.gate.WaitIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

// ThrottledReader applies the gate's IO limit to every read. The limit
// is charged for the full buffer since the read size is not known up
// front.
type ThrottledReader struct {
	ctx  context.Context
	gate *Gate
	r    io.Reader
}

// NewThrottledReader wraps r with the gate's IO limit.
func NewThrottledReader(ctx context.Context, gate *Gate, r io.Reader) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, gate: gate, r: r}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	if err := t.gate.WaitIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.r.Read(p)
}

package relay

import (
	"context"
	"fmt"
	"io"
)

// PipeDriver processes a single message read from a stream, typically the
// standard input of an MTA pipe alias.
type PipeDriver struct {
	pipeline *Pipeline
}

// NewPipeDriver returns a PipeDriver for p.
func NewPipeDriver(p *Pipeline) *PipeDriver {
	return &PipeDriver{pipeline: p}
}

// Run reads r to EOF and processes it once. A malformed message is returned
// as an error.
func (d *PipeDriver) Run(ctx context.Context, r io.Reader) (*Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return d.pipeline.Process(ctx, raw)
}

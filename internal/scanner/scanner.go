// Package scanner asks media libraries to index finished downloads.
package scanner

import "context"

// Scanner indexes a finished file.
type Scanner interface {
	RequestScan(ctx context.Context, path string) error
}

// Noop is a scanner that indexes nothing.
type Noop struct{}

func (Noop) RequestScan(context.Context, string) error { return nil }

// Package capture produces frames for the census pipeline. Exactly one
// owner reads a Source; everything downstream works from published
// snapshots, never from the capture handle.
package capture

import (
	"context"
	"errors"

	"github.com/crowdsense-data/crowdsense/internal/vision"
)

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("capture: source closed")

// Source is a sequential frame supplier. Read blocks until a frame is
// available or ctx is done. Sources are not safe for concurrent Read
// calls; the producer loop is the sole reader.
type Source interface {
	Read(ctx context.Context) (*vision.Frame, error)
	Close() error
}

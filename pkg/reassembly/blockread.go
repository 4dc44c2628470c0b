package reassembly

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BlockSize is the size of one NFC memory block.
const BlockSize = 8

const (
	DefaultRetries    = 5
	DefaultPause      = 250 * time.Millisecond
	DefaultRequesting = 3
)

// BlockTransceiver reads count consecutive blocks from a tag.
type BlockTransceiver interface {
	ReadBlocks(ctx context.Context, from, count int) ([]byte, error)
}

// Pauser waits between retries. It returns early with ctx's error.
type Pauser func(ctx context.Context, d time.Duration) error

// Sleep is the default Pauser.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BlockReader reads a block range in requests of a few blocks each,
// retrying failed requests a bounded number of times.
type BlockReader struct {
	Transceiver BlockTransceiver
	Retries     int
	Pause       time.Duration
	Requesting  int
	Wait        Pauser
	Log         zerolog.Logger
}

// NewBlockReader returns a reader with the default retry policy.
func NewBlockReader(t BlockTransceiver, log zerolog.Logger) *BlockReader {
	return &BlockReader{
		Transceiver: t,
		Retries:     DefaultRetries,
		Pause:       DefaultPause,
		Requesting:  DefaultRequesting,
		Wait:        Sleep,
		Log:         log,
	}
}

// Read returns count blocks starting at from. Once a request has failed
// more than Retries times it returns ErrTransportRead wrapping the last
// transport error.
func (r *BlockReader) Read(ctx context.Context, from, count int) ([]byte, error) {
	requesting := r.Requesting
	if requesting <= 0 {
		requesting = DefaultRequesting
	}
	wait := r.Wait
	if wait == nil {
		wait = Sleep
	}

	buf := make([]byte, 0, count*BlockSize)
	remaining := count
	retry := 0

	for remaining > 0 {
		block := from + len(buf)/BlockSize
		n := requesting
		if n > remaining {
			n = remaining
		}

		data, err := r.Transceiver.ReadBlocks(ctx, block, n)
		if err == nil && len(data) != n*BlockSize {
			err = fmt.Errorf("short read: %d bytes for %d blocks", len(data), n)
		}
		if err != nil {
			retry++
			r.Log.Warn().
				Err(err).
				Int("block", block).
				Int("count", n).
				Int("retry", retry).
				Msg("Block read failed")
			if retry > r.Retries {
				return buf, fmt.Errorf("%w: blocks %d-%d: %v", ErrTransportRead, block, block+n-1, err)
			}
			if err := wait(ctx, r.Pause); err != nil {
				return buf, err
			}
			continue
		}

		buf = append(buf, data...)
		remaining -= n
	}
	return buf, nil
}

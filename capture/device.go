package capture

import (
	"context"
	"io"
	"sync"
)

// Facing selects which camera the device adapter should open.
type Facing string

// Supported device facings.
const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

// Stream is an open capture stream. Chunks delivers encoded media fragments
// in order; the channel closes when the device stops producing. Close must
// release the underlying device synchronously.
type Stream interface {
	Chunks() <-chan []byte
	Close() error
}

// Device acquires a camera/microphone stream. Implementations signal
// permission refusal by returning an error from Open; the session maps that
// to its permission-denied state.
type Device interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}

// ReaderDevice adapts an io.Reader (typically an encoder pipe) into a
// Device. Each Open drains the reader into fixed-size chunks; the stream
// closes when the reader is exhausted.
type ReaderDevice struct {
	Source    io.Reader
	ChunkSize int
}

// Open starts pumping the reader. The facing argument is accepted for
// interface compatibility; a pipe has no facing.
func (d *ReaderDevice) Open(ctx context.Context, _ Facing) (Stream, error) {
	size := d.ChunkSize
	if size <= 0 {
		size = 64 * 1024
	}
	s := &readerStream{
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.chunks)
		for {
			buf := make([]byte, size)
			n, err := d.Source.Read(buf)
			if n > 0 {
				select {
				case s.chunks <- buf[:n]:
				case <-s.done:
					return
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return s, nil
}

type readerStream struct {
	chunks chan []byte
	once   sync.Once
	done   chan struct{}
}

func (s *readerStream) Chunks() <-chan []byte { return s.chunks }

func (s *readerStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

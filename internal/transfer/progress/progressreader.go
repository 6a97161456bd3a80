// Package progress counts transferred bytes and keeps a smoothed speed.
package progress

import (
	"io"
	"time"
)

// Reader wraps an io.Reader and counts the bytes read through it on top of
// an initial offset.
type Reader struct {
	Reader io.Reader

	offset    int64
	totalRead int64
	speed     Speed
}

// NewReader starts counting at offset, the bytes already on disk.
func NewReader(r io.Reader, offset int64, now time.Time) *Reader {
	pr := &Reader{Reader: r, offset: offset}
	pr.speed.Sample(now, offset)

	return pr
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.totalRead += int64(n)

	return n, err
}

// Current returns the offset plus every byte read so far.
func (pr *Reader) Current() int64 {
	return pr.offset + pr.totalRead
}

// Transferred returns the bytes read through this reader only.
func (pr *Reader) Transferred() int64 {
	return pr.totalRead
}

// Sample updates and returns the smoothed speed in bytes per second.
func (pr *Reader) Sample(now time.Time) float64 {
	return pr.speed.Sample(now, pr.Current())
}

// Speed is a rolling average of transfer speed. Each new sample weighs a
// quarter of the result.
type Speed struct {
	at    time.Time
	bytes int64
	rate  float64
}

// Sample records that bytes were transferred in total at now.
func (s *Speed) Sample(now time.Time, bytes int64) float64 {
	if s.at.IsZero() {
		s.at, s.bytes = now, bytes

		return 0
	}

	elapsed := now.Sub(s.at)
	if elapsed <= 0 {
		return s.rate
	}

	sample := float64(bytes-s.bytes) / elapsed.Seconds()
	if s.rate == 0 {
		s.rate = sample
	} else {
		s.rate = (s.rate*3 + sample) / 4
	}

	s.at, s.bytes = now, bytes

	return s.rate
}

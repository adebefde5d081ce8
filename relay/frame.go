package relay

import (
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Frame is one uploaded image.
type Frame struct {
	Data        []byte
	ContentType string
	// Seq increases with every upload.
	Seq uint64
}

// FrameCell holds the most recent frame. Readers get the stored slice, which is never
// modified after Set.
type FrameCell struct {
	mu    sync.RWMutex
	frame Frame
}

// Set replaces the latest frame and returns its sequence number.
func (c *FrameCell) Set(data []byte) uint64 {
	ctype := mimetype.Detect(data).String()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.frame = Frame{Data: data, ContentType: ctype, Seq: c.frame.Seq + 1}
	return c.frame.Seq
}

// Latest returns the current frame and whether one was ever uploaded.
func (c *FrameCell) Latest() (Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.frame, c.frame.Seq > 0
}

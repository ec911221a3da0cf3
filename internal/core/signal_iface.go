package core

import "errors"

// Frame is one encoded outbound message.
type Frame []byte

// ErrBackpressure reports that a send evicted the oldest queued frame.
// The new frame was still queued.
var ErrBackpressure = errors.New("backpressure")

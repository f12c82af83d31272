// Package stream owns the per-session capture pipeline and its fan-out to
// viewers. One Source exists per session; any number of Subscribers come and
// go without restarting capture. Delivery never blocks capture: a slow
// viewer loses old frames, never slows the pipeline or its neighbors.
package stream

import "time"

// Frame is one captured screen image. Data is the raw PNG bytes produced by
// screencap; Seq increases strictly within a Source's lifetime.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

package stream

import (
	"context"

	"github.com/sirupsen/logrus"
)

// FrameWriter delivers frames to one viewer connection (an MJPEG response, a
// websocket, ...). A returned error means the sink is gone.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// SourceResolver maps a serial to its live frame source. Implemented by the
// session registry; resolution failures carry its error taxonomy.
type SourceResolver interface {
	FrameSource(serial string) (*Source, error)
	Touch(serial string)
}

// Multiplexer connects viewer sinks to per-session sources. Capture is one
// pipeline per session; the multiplexer is one Attach per viewer, so N
// viewers share one screencap loop.
type Multiplexer struct {
	resolver SourceResolver
	log      *logrus.Entry
}

func NewMultiplexer(resolver SourceResolver, log *logrus.Entry) *Multiplexer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Multiplexer{resolver: resolver, log: log}
}

// Attach subscribes sink to serial's frame stream and copies frames until
// ctx ends, the sink errors (viewer disconnect), or the stream terminates.
// The subscriber is always removed on exit. A nil return covers all normal
// endings; only resolution failures return an error.
func (m *Multiplexer) Attach(ctx context.Context, serial string, sink FrameWriter) error {
	src, err := m.resolver.FrameSource(serial)
	if err != nil {
		return err
	}

	sub := src.Subscribe()
	defer func() {
		src.Unsubscribe(sub)
		// Restart the idle clock when the viewer leaves.
		m.resolver.Touch(serial)
	}()

	log := m.log.WithFields(logrus.Fields{"serial": serial, "subscriber": sub.ID})
	log.Debug("viewer attached")
	defer log.Debug("viewer detached")

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub.Frames():
			if !ok {
				// Stream ended; expected terminal state.
				return nil
			}
			if err := sink.WriteFrame(f); err != nil {
				return nil
			}
		}
	}
}

package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/emucast/backend/internal/stream"
)

const mjpegBoundary = "frame"

// mjpegSink writes frames as multipart/x-mixed-replace parts. Each part is a
// complete PNG; the browser replaces the previous one as they arrive.
type mjpegSink struct {
	w     http.ResponseWriter
	flush http.Flusher
}

func (s *mjpegSink) WriteFrame(f stream.Frame) error {
	if _, err := fmt.Fprintf(s.w, "--%s\r\nContent-Type: image/png\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(f.Data)); err != nil {
		return err
	}
	if _, err := s.w.Write(f.Data); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "\r\n"); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	// Resolve before committing headers so a bad serial still gets a JSON 404.
	if _, err := s.registry.Get(serial); err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	log := s.log.WithFields(logrus.Fields{"serial": serial, "remote": r.RemoteAddr})
	log.Info("mjpeg viewer attached")
	if err := s.mux.Attach(r.Context(), serial, &mjpegSink{w: w, flush: flusher}); err != nil {
		// Headers are already sent; nothing useful to write back.
		log.WithError(err).Warn("mjpeg attach failed")
		return
	}
	log.Info("mjpeg viewer detached")
}

// wsSink pushes each frame as one binary websocket message.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(f stream.Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, f.Data)
}

func (s *Server) handleWSFeed(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if _, err := s.registry.Get(serial); err != nil {
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithFields(logrus.Fields{"serial": serial, "remote": conn.RemoteAddr().String()})
	log.Info("websocket viewer attached")

	// The read pump exists only to notice the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.mux.Attach(ctx, serial, &wsSink{conn: conn}); err != nil {
		log.WithError(err).Warn("websocket attach failed")
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
		time.Now().Add(time.Second))
	log.Info("websocket viewer detached")
}

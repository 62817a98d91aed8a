package api

import (
	"encoding/binary"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/meetrec/internal/logger"
	"github.com/tphakala/meetrec/internal/session"
)

const (
	// Time allowed to write a message to the client
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the client
	pongWait = 30 * time.Second

	// Send pings to client with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

// MonitorFormat is sent as a text message before the first audio frame and
// whenever the format changes. Binary messages that follow carry
// interleaved little-endian float32 samples in that format.
type MonitorFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

const monitorEncoding = "f32le"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The control API binds to loopback by default; browsers on other
	// origins are not expected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMonitor streams the mixed recording to a websocket client until the
// client leaves, the controller closes the subscription or the server shuts
// down.
func (s *Server) handleMonitor(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already replied to the client
		s.log.Warn("websocket upgrade failed", logger.Error(err))
		return nil
	}

	s.wg.Add(1)
	defer s.wg.Done()

	frames, cancel := s.session.Subscribe(s.monitorBuffer)
	defer cancel()
	disconnected := s.httpMetrics().MonitorConnected()
	defer disconnected()

	client := c.Request().RemoteAddr
	s.log.Info("monitor connected", logger.String("client", client))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readPump(conn)
	}()

	reason := s.writePump(c, conn, frames, readDone)
	_ = conn.Close()
	<-readDone

	s.log.Info("monitor disconnected",
		logger.String("client", client),
		logger.String("reason", reason))
	return nil
}

// readPump drains control frames so pongs and close frames are processed.
// It returns when the connection fails or is closed.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn. It returns why it stopped.
func (s *Server) writePump(c echo.Context, conn *websocket.Conn, frames <-chan session.MonitorFrame, readDone <-chan struct{}) string {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var (
		current MonitorFormat
		payload []byte
	)
	reqDone := c.Request().Context().Done()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				writeClose(conn, "recorder closed")
				return "subscription closed"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			format := MonitorFormat{SampleRate: f.SampleRate, Channels: f.Channels, Encoding: monitorEncoding}
			if format != current {
				if err := conn.WriteJSON(format); err != nil {
					return "write failed"
				}
				current = format
			}

			payload = encodeFloat32LE(payload, f.Samples)
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				s.httpMetrics().RecordMonitorMessage(false)
				return "write failed"
			}
			s.httpMetrics().RecordMonitorMessage(true)

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return "ping failed"
			}

		case <-readDone:
			return "client left"

		case <-reqDone:
			writeClose(conn, "server shutting down")
			return "request cancelled"

		case <-s.ctx.Done():
			writeClose(conn, "server shutting down")
			return "server shutdown"
		}
	}
}

func writeClose(conn *websocket.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
}

// encodeFloat32LE appends samples to dst[:0] as little-endian float32.
func encodeFloat32LE(dst []byte, samples []float32) []byte {
	dst = dst[:0]
	for _, v := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

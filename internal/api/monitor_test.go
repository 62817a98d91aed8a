package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialMonitor(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + APIPrefix + "/monitor"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func TestMonitorStreamsMixedAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, _, _ = f.control(t, "start")

	conn := dialMonitor(t, f.http.URL)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.ctrl.Status().MonitorSubscribers == 1 }, waitFor, time.Millisecond)
	assert.InDelta(t, 1, f.metrics.HTTP.ActiveMonitorConnections(), 0)

	require.NoError(t, f.backend.DeliverFloat(f.mic, []float32{0.5, 0.5, 0.5, 0.5}, 1))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var format MonitorFormat
	require.NoError(t, json.Unmarshal(data, &format))
	assert.Equal(t, MonitorFormat{SampleRate: 48000, Channels: 1, Encoding: "f32le"}, format)

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	require.Len(t, data, 4*4, "one chunk of four mono frames")
	for i := range 4 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		assert.InDelta(t, 0.5, v, 1e-6, "system audio underflowed and contributes silence")
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.ctrl.Status().MonitorSubscribers == 0 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return f.metrics.HTTP.ActiveMonitorConnections() == 0 }, waitFor, time.Millisecond)
}

func TestMonitorEndsWhenControllerCloses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	conn := dialMonitor(t, f.http.URL)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.ctrl.Status().MonitorSubscribers == 1 }, waitFor, time.Millisecond)

	require.NoError(t, f.ctrl.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestShutdownClosesMonitorConnections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- f.server.Serve(l) }()

	conn := dialMonitor(t, "http://"+l.Addr().String())
	defer conn.Close()
	require.Eventually(t, func() bool { return f.ctrl.Status().MonitorSubscribers == 1 }, waitFor, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), ShutdownTimeout)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.NoError(t, <-served)
	assert.Zero(t, f.ctrl.Status().MonitorSubscribers)
}

func TestEncodeFloat32LE(t *testing.T) {
	t.Parallel()
	out := encodeFloat32LE(make([]byte, 3), []float32{1, -0.5})
	assert.Equal(t, []byte{0, 0, 0x80, 0x3f, 0, 0, 0, 0xbf}, out)
}

package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/reliability"
)

type harness struct {
	conn   *Conn
	client *websocket.Conn
	events chan Event
	runErr chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{events: make(chan Event, 16), runErr: make(chan error, 1)}
	ready := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		metrics := observability.NewMetrics("test", prometheus.NewRegistry())
		h.conn = NewConn(ws, Options{QueueSize: 8}, logging.Discard().WithField("test", t.Name()), metrics)
		close(ready)
		h.runErr <- h.conn.Run(context.Background(), func(ev Event) { h.events <- ev })
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	<-ready
	return h
}

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestConnNormalizesInboundFrames(t *testing.T) {
	h := newHarness(t)
	frames := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","customParameters":{"prompt":"p"}}}`,
		`{"event":"bogus"}`,
		`{"event":"media","streamSid":"MZ1","media":{"payload":"AAEC"}}`,
		`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`,
	}
	for _, f := range frames {
		if err := h.client.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	start := h.next(t)
	if start.Kind != KindSessionStart || start.StreamSID != "MZ1" || start.CallSID != "CA1" || start.Start.Prompt() != "p" {
		t.Fatalf("unexpected start event: %+v", start)
	}
	media := h.next(t)
	if media.Kind != KindInboundAudio || media.Payload != "AAEC" {
		t.Fatalf("unexpected media event: %+v", media)
	}
	if stop := h.next(t); stop.Kind != KindSessionStop || stop.StreamSID != "MZ1" {
		t.Fatalf("unexpected stop event: %+v", stop)
	}
}

func TestConnWritesQueuedFramesAndClosesOnce(t *testing.T) {
	h := newHarness(t)
	if err := h.conn.SendMedia("MZ1", "UklG"); err != nil {
		t.Fatalf("SendMedia() error = %v", err)
	}
	if err := h.conn.SendClear("MZ1"); err != nil {
		t.Fatalf("SendClear() error = %v", err)
	}
	if err := h.conn.SendMark("MZ1", "session_complete"); err != nil {
		t.Fatalf("SendMark() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		go func() { _ = h.conn.Close(time.Second) }()
	}

	var got []string
	_ = h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := h.client.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read error = %v, want normal close", err)
			}
			break
		}
		var frame struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, frame.Event)
	}
	if strings.Join(got, ",") != "media,clear,mark" {
		t.Fatalf("frames = %v, want media,clear,mark", got)
	}
	if !h.conn.Closed() {
		t.Fatalf("Closed() = false after Close")
	}
	if err := h.conn.SendMedia("MZ1", "x"); err == nil {
		t.Fatalf("SendMedia() after Close succeeded")
	}
}

func TestConnRunReportsAbnormalDisconnect(t *testing.T) {
	h := newHarness(t)
	// Dropping the TCP connection without a close frame is a transport failure.
	_ = h.client.UnderlyingConn().Close()

	select {
	case err := <-h.runErr:
		if !errors.Is(err, reliability.ErrTransport) {
			t.Fatalf("Run() error = %v, want ErrTransport", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after disconnect")
	}
	if !h.conn.Closed() {
		t.Fatalf("Closed() = false after read failure")
	}
}

func TestConnRunReturnsNilOnNormalClose(t *testing.T) {
	h := newHarness(t)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = h.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after close frame")
	}
}

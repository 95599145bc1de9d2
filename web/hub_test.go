package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"hive-vision-streamer/mjpeg"
	"hive-vision-streamer/pipeline"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var u Update
	if err := conn.ReadJSON(&u); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return u
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsNewFrames(t *testing.T) {
	sink := mjpeg.NewSink()
	hub := NewHub(sink, 5*time.Millisecond, 8, []string{"*"}, zaptest.NewLogger(t))
	hub.Start(context.Background())
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv.URL)
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })

	for i := uint64(1); i <= 3; i++ {
		sink.Publish([]byte{0xFF, 0xD8}, pipeline.FrameStats{FrameIndex: i * 10, BeeCount: int(i)})

		u := readUpdate(t, conn)
		if u.Type != "detection_update" {
			t.Errorf("type = %q", u.Type)
		}
		if u.Data.FrameIndex != i*10 || u.Data.BeeCount != int(i) {
			t.Errorf("update %d = %+v", i, u.Data)
		}
	}

	if hub.Stats().Messages < 3 {
		t.Errorf("Messages = %d, want at least 3", hub.Stats().Messages)
	}
}

func TestHubSendsCurrentStateOnConnect(t *testing.T) {
	sink := mjpeg.NewSink()
	sink.Publish([]byte{0xFF, 0xD8}, pipeline.FrameStats{FrameIndex: 40, HornetCount: 2})

	hub := NewHub(sink, time.Hour, 8, []string{"*"}, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Stop()

	u := readUpdate(t, dialWS(t, srv.URL))
	if u.Data.FrameIndex != 40 || u.Data.HornetCount != 2 {
		t.Errorf("initial update = %+v", u.Data)
	}
}

func TestHubStopDisconnectsClients(t *testing.T) {
	sink := mjpeg.NewSink()
	hub := NewHub(sink, 5*time.Millisecond, 8, []string{"*"}, zaptest.NewLogger(t))
	hub.Start(context.Background())

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialWS(t, srv.URL)
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })

	hub.Stop()
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
	if hub.Stats().Clients != 0 {
		t.Errorf("Clients = %d after Stop", hub.Stats().Clients)
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	sink := mjpeg.NewSink()
	hub := NewHub(sink, time.Hour, 1, []string{"*"}, zaptest.NewLogger(t))
	defer hub.Stop()

	// A registered client whose pump never drains
	c := &hubClient{id: "slow", send: make(chan []byte, 1)}
	hub.clients[c.id] = c

	hub.broadcast(pipeline.FrameStats{FrameIndex: 1})
	hub.broadcast(pipeline.FrameStats{FrameIndex: 2})

	stats := hub.Stats()
	if stats.Clients != 0 || stats.Dropped != 1 {
		t.Errorf("Stats() = %+v, want the slow client dropped", stats)
	}
	if _, ok := <-c.send; !ok {
		t.Error("first update lost")
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel not closed")
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(mjpeg.NewSink(), time.Hour, 8, []string{"http://hive.local"}, zaptest.NewLogger(t))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http", "ws", 1), header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Errorf("handshake response = %v", resp)
	}
}

package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/gorilla/websocket"
)

type fakeKillSwitch struct {
	killed    chan [2]string
	killedAll chan struct{}
}

func newFakeKillSwitch() *fakeKillSwitch {
	return &fakeKillSwitch{killed: make(chan [2]string, 4), killedAll: make(chan struct{}, 4)}
}

func (f *fakeKillSwitch) KillPublisher(streamPath, streamID string) {
	f.killed <- [2]string{streamPath, streamID}
}

func (f *fakeKillSwitch) KillAllPublishers() { f.killedAll <- struct{}{} }

func TestStandAloneModeAcceptsImmediately(t *testing.T) {
	c := New(Config{}, nil)
	if c.Enabled() {
		t.Fatalf("expected stand-alone mode with no BaseURL")
	}
	accepted, streamID := c.RequestPublish("live/abc", "key", "1.2.3.4")
	if !accepted || streamID != "" {
		t.Fatalf("stand-alone mode should always accept with no stream id, got accepted=%v streamID=%q", accepted, streamID)
	}
}

func TestRequestPublishRoundTripsAcceptance(t *testing.T) {
	upgrader := websocket.Upgrader{}
	killSwitch := newFakeKillSwitch()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := messages.ParseRPCMessage(string(raw))
			switch msg.Method {
			case "PUBLISH-REQUEST":
				reply := messages.RPCMessage{
					Method: "PUBLISH-ACCEPT",
					Params: map[string]string{
						"Request-Id": msg.GetParam("Request-ID"),
						"Stream-Id":  "stream-42",
					},
				}
				conn.WriteMessage(websocket.TextMessage, []byte(reply.Serialize()))
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{BaseURL: wsURL}, killSwitch)
	if !c.Enabled() {
		t.Fatalf("expected coordinator mode to be enabled")
	}

	// Give the background connect goroutine time to dial.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		connected := c.ws != nil
		c.mu.Unlock()
		if connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("coordinator never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	accepted, streamID := c.RequestPublish("live/abc", "key1", "9.9.9.9")
	if !accepted {
		t.Fatalf("expected publish to be accepted")
	}
	if streamID != "stream-42" {
		t.Fatalf("expected stream id stream-42, got %q", streamID)
	}
}

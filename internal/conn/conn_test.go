package conn

import (
	"net"
	"testing"
	"time"

	"github.com/riverstream/rtmpd/internal/amf"
	"github.com/riverstream/rtmpd/internal/chunk"
	"github.com/riverstream/rtmpd/internal/handshake"
	"github.com/riverstream/rtmpd/internal/session"
)

// testClient drives the client side of the wire protocol over a net.Conn,
// used to exercise Connection.Serve end-to-end via net.Pipe, per spec.md
// §8's scenario-level testable properties.
type testClient struct {
	conn    net.Conn
	cli     *handshake.Client
	dec     *chunk.Decoder
	readBuf []byte
}

func newTestClient(t *testing.T, c net.Conn) *testClient {
	t.Helper()
	tc := &testClient{conn: c, cli: handshake.NewClient(), dec: chunk.NewDecoder()}

	c0c1 := tc.cli.Start()
	if _, err := c.Write(c0c1); err != nil {
		t.Fatalf("write c0c1: %v", err)
	}

	buf := make([]byte, 4096)
	for !tc.cli.Done() {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read handshake: %v", err)
		}
		out, err := tc.cli.Feed(buf[:n])
		if err != nil {
			t.Fatalf("client handshake feed: %v", err)
		}
		if len(out) > 0 {
			if _, err := c.Write(out); err != nil {
				t.Fatalf("write c2: %v", err)
			}
		}
	}
	return tc
}

func (tc *testClient) sendCommand(streamID uint32, values ...*amf.Value) {
	payload := amf.Encode(values...)
	msg := &chunk.Message{TypeID: typeCommand, ChunkStreamID: csidInvoke, MessageStreamID: streamID, Payload: payload}
	tc.conn.Write(chunk.Encode(csidInvoke, msg, 128))
}

func (tc *testClient) sendRaw(cid uint32, typeID byte, streamID uint32, payload []byte) {
	msg := &chunk.Message{TypeID: typeID, ChunkStreamID: cid, MessageStreamID: streamID, Payload: payload}
	tc.conn.Write(chunk.Encode(cid, msg, 128))
}

// readUntil reads and decodes messages until pred returns true for one of
// them, or the deadline elapses.
func (tc *testClient) readUntil(t *testing.T, timeout time.Duration, pred func(*chunk.Message) bool) *chunk.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		tc.conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := tc.conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msgs, err := tc.dec.Feed(buf[:n])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		for _, m := range msgs {
			if pred(m) {
				return m
			}
		}
	}
	t.Fatalf("timed out waiting for expected message")
	return nil
}

func isCommandNamed(m *chunk.Message, name string) bool {
	if m.TypeID != typeCommand {
		return false
	}
	values, err := amf.Decode(m.Payload)
	if err != nil || len(values) == 0 {
		return false
	}
	return values[0].String() == name
}

func onStatusCode(m *chunk.Message) string {
	values, err := amf.Decode(m.Payload)
	if err != nil || len(values) < 4 {
		return ""
	}
	return values[3].Get("code").String()
}

func TestPublishAndPlayEndToEnd(t *testing.T) {
	registry := session.NewRegistry()

	pubServer, pubClientConn := net.Pipe()
	pubConn := New(1, "127.0.0.1", pubServer, registry, Hooks{}, Config{})
	go pubConn.Serve()

	pub := newTestClient(t, pubClientConn)

	pub.sendCommand(0, amf.String("connect"), amf.Number(1), func() *amf.Value {
		o := amf.Object()
		o.Set("app", amf.String("live"))
		return o
	}())
	pub.readUntil(t, time.Second, func(m *chunk.Message) bool { return isCommandNamed(m, "_result") })

	pub.sendCommand(0, amf.String("createStream"), amf.Number(2), amf.Null())
	pub.readUntil(t, time.Second, func(m *chunk.Message) bool { return isCommandNamed(m, "_result") })

	pub.sendCommand(streamIDFixed, amf.String("publish"), amf.Number(3), amf.Null(), amf.String("mystream"))
	m := pub.readUntil(t, time.Second, func(m *chunk.Message) bool { return isCommandNamed(m, "onStatus") })
	if code := onStatusCode(m); code != "NetStream.Publish.Start" {
		t.Fatalf("publish status = %q, want NetStream.Publish.Start", code)
	}

	// Publish an AVC sequence header, then a keyframe, before the player joins.
	pub.sendRaw(csidVideo, typeVideo, streamIDFixed, []byte{0x17, 0x00, 0, 0, 0, 1, 2, 3})
	pub.sendRaw(csidVideo, typeVideo, streamIDFixed, []byte{0x17, 0x01, 0, 0, 0, 0, 0, 0, 1, 9})

	time.Sleep(50 * time.Millisecond) // let the publisher connection's goroutine apply the pushes

	playServer, playClientConn := net.Pipe()
	playConn := New(2, "127.0.0.1", playServer, registry, Hooks{}, Config{})
	go playConn.Serve()

	player := newTestClient(t, playClientConn)
	player.sendCommand(0, amf.String("connect"), amf.Number(1), func() *amf.Value {
		o := amf.Object()
		o.Set("app", amf.String("live"))
		return o
	}())
	player.readUntil(t, time.Second, func(m *chunk.Message) bool { return isCommandNamed(m, "_result") })

	player.sendCommand(0, amf.String("createStream"), amf.Number(2), amf.Null())
	player.readUntil(t, time.Second, func(m *chunk.Message) bool { return isCommandNamed(m, "_result") })

	player.sendCommand(streamIDFixed, amf.String("play"), amf.Number(3), amf.Null(), amf.String("mystream"))
	startMsg := player.readUntil(t, time.Second, func(m *chunk.Message) bool {
		return isCommandNamed(m, "onStatus") && onStatusCode(m) == "NetStream.Play.Start"
	})
	if startMsg == nil {
		t.Fatalf("expected NetStream.Play.Start")
	}

	// First video message received must be the replayed AVC sequence
	// header (not an inter frame), per spec.md §8's sequence-header
	// replay and keyframe-gated play properties.
	firstVideo := player.readUntil(t, time.Second, func(m *chunk.Message) bool { return m.TypeID == typeVideo })
	if len(firstVideo.Payload) < 2 || firstVideo.Payload[1] != 0x00 {
		t.Fatalf("first video frame is not the sequence header: %v", firstVideo.Payload)
	}

	pubConn.raw.Close()
	playConn.raw.Close()
}

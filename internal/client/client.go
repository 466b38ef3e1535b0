// Package client implements the client-side mirror of internal/conn's
// server state machine, per spec.md §4.4's "Client-side" paragraph:
// connect → createStream → publish/play, driven by the caller instead
// of by a peer's commands. Grounded on the teacher's rtmp_session.go
// client-role branches (RTMPSession.mode == MODE_PUBLISHER/MODE_PLAYER)
// and on original_source's RtmpClient connector for the OpenUrl
// timeout semantics spec.md §7 calls out explicitly.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/riverstream/rtmpd/internal/amf"
	"github.com/riverstream/rtmpd/internal/chunk"
	"github.com/riverstream/rtmpd/internal/handshake"
	"github.com/riverstream/rtmpd/internal/session"
)

// ErrTimeout is spec.md §7's "client-side OpenUrl did not reach
// onStatus{NetStream.*.Start} within the configured milliseconds".
var ErrTimeout = errors.New("client: timed out waiting for stream to start")

const (
	csidProtocol = 2
	csidInvoke   = 3
	csidAudio    = 4
	csidVideo    = 5
	csidData     = 6

	streamIDFixed = 1

	typeAudio   = 0x08
	typeVideo   = 0x09
	typeData    = 0x12
	typeCommand = 0x14
)

// parsedURL is an rtmp://host[:port]/app/streamName[?key] target.
type parsedURL struct {
	addr       string
	app        string
	streamName string
}

func parseRTMPURL(raw string) (parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return parsedURL{}, err
	}
	if u.Scheme != "rtmp" {
		return parsedURL{}, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "1935"
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return parsedURL{}, fmt.Errorf("client: url path must be /app/streamName, got %q", u.Path)
	}
	name := parts[1]
	if u.RawQuery != "" {
		name = name + "?" + u.RawQuery
	}
	return parsedURL{addr: net.JoinHostPort(host, port), app: parts[0], streamName: name}, nil
}

// conn is the shared low-level plumbing between PublishingClient and
// SubscribingClient: handshake, chunk codec, command dispatch.
type conn struct {
	raw net.Conn

	writeMu sync.Mutex
	dec     *chunk.Decoder

	outChunkSize uint32
	txnID        float64

	statusCh  chan statusEvent
	closed    chan struct{}
	closeOnce sync.Once
}

type statusEvent struct {
	code        string
	description string
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func newConn(raw net.Conn) *conn {
	return &conn{
		raw:          raw,
		dec:          chunk.NewDecoder(),
		outChunkSize: 4096,
		statusCh:     make(chan statusEvent, 16),
		closed:       make(chan struct{}),
	}
}

func (c *conn) handshake(ctx context.Context) error {
	cli := handshake.NewClient()
	if _, err := c.raw.Write(cli.Start()); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for !cli.Done() {
		if deadline, ok := ctx.Deadline(); ok {
			c.raw.SetReadDeadline(deadline)
		}
		n, err := c.raw.Read(buf)
		if err != nil {
			return err
		}
		out, err := cli.Feed(buf[:n])
		if err != nil && !errors.Is(err, handshake.ErrNeedMoreBytes) {
			return err
		}
		if len(out) > 0 {
			if _, err := c.raw.Write(out); err != nil {
				return err
			}
		}
	}
	c.raw.SetReadDeadline(time.Time{})
	return nil
}

func (c *conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.raw.Write(b)
	return err
}

func (c *conn) sendMessage(cid uint32, typeID byte, streamID uint32, payload []byte) error {
	return c.sendTimedMessage(cid, typeID, streamID, 0, payload)
}

func (c *conn) sendTimedMessage(cid uint32, typeID byte, streamID, timestamp uint32, payload []byte) error {
	m := &chunk.Message{
		TypeID:          typeID,
		ChunkStreamID:   cid,
		MessageStreamID: streamID,
		Timestamp:       timestamp,
		Payload:         payload,
	}
	return c.write(chunk.Encode(cid, m, c.outChunkSize))
}

func (c *conn) nextTxnID() float64 {
	c.txnID++
	return c.txnID
}

func (c *conn) sendCommand(cid uint32, streamID uint32, values ...*amf.Value) error {
	return c.sendMessage(cid, typeCommand, streamID, amf.Encode(values...))
}

// readLoop decodes incoming messages and routes onStatus command
// replies to statusCh; every other command, _result included, is
// dropped without being waited on. Audio/video/data messages are handed to
// the optional onFrame/onMetadata callbacks (SubscribingClient only).
func (c *conn) readLoop(onFrame func(session.Frame), onMetadata func([]byte)) {
	defer close(c.closed)
	buf := make([]byte, 8192)
	for {
		n, err := c.raw.Read(buf)
		if err != nil {
			return
		}
		msgs, err := c.dec.Feed(buf[:n])
		if err != nil {
			return
		}
		for _, m := range msgs {
			switch m.TypeID {
			case typeCommand:
				c.handleCommand(m.Payload)
			case typeVideo:
				if onFrame != nil {
					onFrame(session.Frame{Kind: session.KindVideo, Timestamp: m.Timestamp, Payload: m.Payload})
				}
			case typeAudio:
				if onFrame != nil {
					onFrame(session.Frame{Kind: session.KindAudio, Timestamp: m.Timestamp, Payload: m.Payload})
				}
			case typeData:
				if onMetadata != nil {
					onMetadata(m.Payload)
				}
			}
		}
	}
}

func (c *conn) handleCommand(payload []byte) {
	values, err := amf.Decode(payload)
	if err != nil || len(values) == 0 {
		return
	}
	name := values[0].String()
	switch name {
	case "onStatus":
		if len(values) < 4 {
			return
		}
		info := values[3]
		c.statusCh <- statusEvent{
			code:        info.Get("code").String(),
			description: info.Get("description").String(),
		}
	}
}

// awaitStatus blocks until a status event with one of wantCodes arrives
// or ctx is done, returning ErrTimeout on a context deadline.
func (c *conn) awaitStatus(ctx context.Context, wantCodes ...string) error {
	for {
		select {
		case ev := <-c.statusCh:
			for _, want := range wantCodes {
				if ev.code == want {
					return nil
				}
			}
		case <-c.closed:
			return errors.New("client: connection closed before expected status")
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}

func (c *conn) connectAndCreateStream(ctx context.Context, app string, onFrame func(session.Frame), onMetadata func([]byte)) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}
	go c.readLoop(onFrame, onMetadata)

	// Announce outChunkSize before anything is sent chunked at it.
	size := c.outChunkSize
	if err := c.sendMessage(csidProtocol, 0x01, 0, []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}); err != nil {
		return err
	}

	cmdObj := amf.Object().
		Set("app", amf.String(app)).
		Set("type", amf.String("nonprivate")).
		Set("flashVer", amf.String("rtmpd-client"))
	if err := c.sendCommand(csidInvoke, 0, amf.String("connect"), amf.Number(c.nextTxnID()), cmdObj); err != nil {
		return err
	}
	if err := c.sendCommand(csidInvoke, 0, amf.String("createStream"), amf.Number(c.nextTxnID()), amf.Null()); err != nil {
		return err
	}
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { c.raw.Close() })
	return nil
}

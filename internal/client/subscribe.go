package client

import (
	"context"
	"time"

	"github.com/riverstream/rtmpd/internal/amf"
	"github.com/riverstream/rtmpd/internal/session"
)

// SubscribingClient drives the player side of spec.md §4.4: connect,
// createStream, play, then delivers frames on Frames()/Metadata().
type SubscribingClient struct {
	c        *conn
	frames   chan session.Frame
	metadata chan []byte
}

// OpenSubscribingURL mirrors OpenPublishingURL for the play role,
// waiting up to timeoutMs for NetStream.Play.Start.
func OpenSubscribingURL(ctx context.Context, rtmpURL string, timeoutMs int) (*SubscribingClient, error) {
	target, err := parseRTMPURL(rtmpURL)
	if err != nil {
		return nil, err
	}

	deadline := time.Duration(timeoutMs) * time.Millisecond
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	raw, err := dial(dialCtx, target.addr)
	if err != nil {
		return nil, err
	}

	c := newConn(raw)
	s := &SubscribingClient{
		c:        c,
		frames:   make(chan session.Frame, 256),
		metadata: make(chan []byte, 4),
	}

	if err := c.connectAndCreateStream(dialCtx, target.app, s.onFrame, s.onMetadata); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendCommand(csidInvoke, 0,
		amf.String("play"), amf.Number(c.nextTxnID()), amf.Null(), amf.String(target.streamName),
	); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.awaitStatus(dialCtx, "NetStream.Play.Start"); err != nil {
		c.Close()
		return nil, err
	}

	return s, nil
}

func (s *SubscribingClient) onFrame(f session.Frame) { s.frames <- f }
func (s *SubscribingClient) onMetadata(b []byte)     { s.metadata <- b }

// Frames returns the channel of audio/video frames delivered for this
// stream, including the sequence-header/GOP replay the session sends a
// new subscriber immediately on play, per spec.md §4.5.
func (s *SubscribingClient) Frames() <-chan session.Frame { return s.frames }

// Metadata returns the channel of onMetaData payloads for this stream.
func (s *SubscribingClient) Metadata() <-chan []byte { return s.metadata }

// Close ends the play and closes the connection.
func (s *SubscribingClient) Close() error {
	return s.c.Close()
}

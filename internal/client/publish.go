package client

import (
	"context"
	"time"

	"github.com/riverstream/rtmpd/internal/amf"
)

// PublishingClient drives the publisher side of spec.md §4.4: connect,
// createStream, publish, then PushVideo/PushAudio/PushMetadata for each
// captured frame — the role the Android NDK capture path (out of scope
// per spec.md's Non-goals) would sit behind.
type PublishingClient struct {
	c *conn
}

// OpenPublishingURL dials rtmpURL ("rtmp://host[:port]/app/streamName[?key]"),
// completes the handshake/connect/createStream/publish handshake, and
// waits up to timeoutMs for NetStream.Publish.Start. Returns ErrTimeout
// if the peer never confirms in time, per spec.md §7.
func OpenPublishingURL(ctx context.Context, rtmpURL string, timeoutMs int) (*PublishingClient, error) {
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
	if err := c.connectAndCreateStream(dialCtx, target.app, nil, nil); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.sendCommand(csidInvoke, 0,
		amf.String("publish"), amf.Number(c.nextTxnID()), amf.Null(),
		amf.String(target.streamName), amf.String("live"),
	); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.awaitStatus(dialCtx, "NetStream.Publish.Start"); err != nil {
		c.Close()
		return nil, err
	}

	return &PublishingClient{c: c}, nil
}

// PushVideo sends one already-encoded video message, e.g. from the
// external NV21/I420→H.264 capture path spec.md's Non-goals exclude
// from this repo but whose output this method accepts as opaque bytes.
func (p *PublishingClient) PushVideo(payload []byte, timestamp uint32) error {
	return p.c.sendTimedMessage(csidVideo, typeVideo, streamIDFixed, timestamp, payload)
}

// PushAudio sends one already-encoded audio (AAC) message.
func (p *PublishingClient) PushAudio(payload []byte, timestamp uint32) error {
	return p.c.sendTimedMessage(csidAudio, typeAudio, streamIDFixed, timestamp, payload)
}

// PushMetadata sends an onMetaData data message.
func (p *PublishingClient) PushMetadata(metadata *amf.Value) error {
	payload := amf.Encode(amf.String("onMetaData"), metadata)
	return p.c.sendMessage(csidData, typeData, streamIDFixed, payload)
}

// Close ends the publish and closes the connection.
func (p *PublishingClient) Close() error {
	_ = p.c.sendCommand(csidInvoke, streamIDFixed, amf.String("deleteStream"), amf.Number(p.c.nextTxnID()), amf.Null(), amf.Number(streamIDFixed))
	return p.c.Close()
}

package conn

import (
	"encoding/binary"

	"github.com/riverstream/rtmpd/internal/amf"
	"github.com/riverstream/rtmpd/internal/chunk"
)

func (c *Connection) write(b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.raw.Write(b)
}

func (c *Connection) sendMessage(cid uint32, typeID byte, streamID uint32, timestamp uint32, payload []byte) {
	msg := &chunk.Message{
		TypeID:          typeID,
		ChunkStreamID:   cid,
		MessageStreamID: streamID,
		Timestamp:       timestamp,
		Payload:         payload,
	}
	c.write(chunk.Encode(cid, msg, c.outChunkSize))
}

func (c *Connection) sendSetChunkSize(n uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	c.sendMessage(csidProtocol, typeSetChunkSize, 0, 0, b)
}

func (c *Connection) sendWindowAckSize(n uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	c.sendMessage(csidProtocol, typeWindowAckSize, 0, 0, b)
}

func (c *Connection) sendSetPeerBandwidth(n uint32, limitType byte) {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b[:4], n)
	b[4] = limitType
	c.sendMessage(csidProtocol, typeSetPeerBW, 0, 0, b)
}

func (c *Connection) sendStreamStatus(eventType uint16, streamID uint32) {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[:2], eventType)
	binary.BigEndian.PutUint32(b[2:], streamID)
	c.sendMessage(csidProtocol, typeUserControl, 0, 0, b)
}

func (c *Connection) sendInvoke(streamID uint32, values ...*amf.Value) {
	c.sendMessage(csidInvoke, typeCommand, streamID, 0, amf.Encode(values...))
}

func (c *Connection) sendStatusMessage(streamID uint32, level, code, description string) {
	info := amf.Object()
	info.Set("level", amf.String(level))
	info.Set("code", amf.String(code))
	if description != "" {
		info.Set("description", amf.String(description))
	}
	c.sendInvoke(streamID,
		amf.String("onStatus"),
		amf.Number(0),
		amf.Null(),
		info,
	)
}

func (c *Connection) sendSampleAccess() {
	data := amf.Encode(
		amf.String("|RtmpSampleAccess"),
		amf.Boolean(true),
		amf.Boolean(true),
	)
	c.sendMessage(csidData, typeData, streamIDFixed, 0, data)
}

func (c *Connection) respondConnect(transID float64, hasObjectEncoding bool) {
	cmdObj := amf.Object()
	cmdObj.Set("fmsVer", amf.String("FMS/3,0,1,123"))
	cmdObj.Set("capabilities", amf.Number(31))

	info := amf.Object()
	info.Set("level", amf.String("status"))
	info.Set("code", amf.String("NetConnection.Connect.Success"))
	info.Set("description", amf.String("Connection succeeded."))
	if hasObjectEncoding {
		info.Set("objectEncoding", amf.Number(float64(c.objectEncoding)))
	} else {
		info.Set("objectEncoding", amf.Undefined())
	}

	c.sendInvoke(0,
		amf.String("_result"),
		amf.Number(transID),
		cmdObj,
		info,
	)
}

func (c *Connection) respondCreateStream(transID float64) {
	c.sendInvoke(0,
		amf.String("_result"),
		amf.Number(transID),
		amf.Null(),
		amf.Number(float64(streamIDFixed)),
	)
}

func (c *Connection) respondPlay() {
	c.sendStreamStatus(eventStreamBegin, streamIDFixed)
	c.sendStatusMessage(streamIDFixed, "status", "NetStream.Play.Reset", "Playing and resetting stream.")
	c.sendStatusMessage(streamIDFixed, "status", "NetStream.Play.Start", "Started playing stream.")
	c.sendSampleAccess()
}

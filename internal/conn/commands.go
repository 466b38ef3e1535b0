package conn

import (
	"github.com/riverstream/rtmpd/internal/amf"
	"github.com/riverstream/rtmpd/internal/av"
	"github.com/riverstream/rtmpd/internal/chunk"
	"github.com/riverstream/rtmpd/internal/rtmplog"
)

func (c *Connection) onConnect(transID float64, cmdObj *amf.Value) error {
	if cmdObj == nil {
		return ErrUnsupportedMessage
	}
	app := cmdObj.Get("app").String()
	if !validateName(app, c.cfg.MaxStreamIDLength) {
		rtmplog.Request(c.id, c.ip, "INVALID APP '"+app+"'")
		return ErrUnsupportedMessage
	}
	c.app = app
	hasEncoding := !cmdObj.Get("objectEncoding").IsUndefined()
	if hasEncoding {
		c.objectEncoding = int64(cmdObj.Get("objectEncoding").Float64())
	}

	rtmplog.Request(c.id, c.ip, "CONNECT '"+app+"'")

	c.sendWindowAckSize(5000000)
	c.sendSetPeerBandwidth(5000000, 2)
	c.sendSetChunkSize(c.outChunkSize)
	c.respondConnect(transID, hasEncoding)

	c.phase = PhaseCreatingStream
	return nil
}

func (c *Connection) onCreateStream(transID float64) error {
	c.streamsCreated++
	c.respondCreateStream(transID)
	return nil
}

func (c *Connection) onPublish(values []*amf.Value, messageStreamID uint32) error {
	if len(values) < 4 || c.app == "" {
		return nil
	}
	name := splitKey(values[3].String())
	if name == "" {
		return nil
	}
	if !validateName(name, c.cfg.MaxStreamIDLength) {
		c.sendStatusMessage(streamIDFixed, "error", "NetStream.Publish.BadName", "Invalid stream name")
		return nil
	}

	if c.isPublishing {
		c.sendStatusMessage(streamIDFixed, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
		return nil
	}

	path := streamPath(c.app, name)
	sess := c.registry.GetOrCreate(path)
	if c.cfg.MaxGOPFrames > 0 || c.cfg.GOPByteLimit > 0 {
		sess.SetGOPLimits(c.cfg.MaxGOPFrames, c.cfg.GOPByteLimit)
	}

	if c.hooks.ApprovePublish != nil {
		streamID, ok := c.hooks.ApprovePublish(c.app, name, c.ip)
		if !ok {
			rtmplog.Request(c.id, c.ip, "Error: invalid streaming key provided")
			c.sendStatusMessage(streamIDFixed, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
			return nil
		}
		c.streamID = streamID
	}

	if !sess.SetPublisher(c) {
		c.sendStatusMessage(streamIDFixed, "error", "NetStream.Publish.BadName", "Stream already publishing")
		return nil
	}

	rtmplog.Request(c.id, c.ip, "PUBLISH '"+path+"'")

	c.streamName = name
	c.streamPath = path
	c.sess = sess
	c.isPublishing = true
	c.phase = PhasePublishing

	c.sendStatusMessage(streamIDFixed, "status", "NetStream.Publish.Start", path+" is now published.")
	c.emit("publish.start")
	return nil
}

func (c *Connection) onPlay(values []*amf.Value, messageStreamID uint32) error {
	if len(values) < 4 || c.app == "" {
		return nil
	}
	name := splitKey(values[3].String())
	if name == "" {
		return nil
	}

	if c.isPlaying || c.isIdling {
		c.sendStatusMessage(streamIDFixed, "error", "NetStream.Play.BadConnection", "Connection already playing")
		return nil
	}

	if c.hooks.CanPlay != nil && !c.hooks.CanPlay(c.ip) {
		c.sendStatusMessage(streamIDFixed, "error", "NetStream.Play.BadName", "Your net address is not whitelisted for playing")
		return nil
	}

	path := streamPath(c.app, name)
	rtmplog.Request(c.id, c.ip, "PLAY '"+path+"'")

	c.respondPlay()

	c.streamName = name
	c.streamPath = path
	c.sess = c.registry.GetOrCreate(path)
	c.isPlaying = true
	c.phase = PhasePlaying

	c.sess.AddSubscriber(c)
	c.emit("play.start")
	return nil
}

func (c *Connection) onPause(values []*amf.Value) error {
	if !c.isPlaying {
		return nil
	}
	if len(values) > 3 {
		c.isPause = values[3].Bool()
	}
	if c.isPause {
		c.sendStreamStatus(eventStreamEOF, streamIDFixed)
		c.sendStatusMessage(streamIDFixed, "status", "NetStream.Pause.Notify", "Paused live")
	} else {
		c.sendStreamStatus(eventStreamBegin, streamIDFixed)
		c.sendStatusMessage(streamIDFixed, "status", "NetStream.Unpause.Notify", "Resumed live")
	}
	return nil
}

func (c *Connection) onDeleteStream() error {
	switch {
	case c.isPublishing && c.sess != nil:
		c.sess.EndPublish(c)
		c.sendStatusMessage(streamIDFixed, "status", "NetStream.Unpublish.Success", c.streamPath+" is now unpublished.")
		c.isPublishing = false
		c.emit("publish.stop")
	case (c.isPlaying || c.isIdling) && c.sess != nil:
		c.sess.RemoveSubscriber(c.id)
		c.isPlaying = false
		c.isIdling = false
		c.emit("play.stop")
	}
	c.phase = PhaseDeleting
	return nil
}

func (c *Connection) handleAudio(m *chunk.Message) {
	if !c.isPublishing || c.sess == nil {
		return
	}
	if _, ok := av.ClassifyAudio(m.Payload); !ok {
		return
	}
	c.sess.PushAudio(m.Payload, m.Timestamp)
}

func (c *Connection) handleVideo(m *chunk.Message) {
	if !c.isPublishing || c.sess == nil {
		return
	}
	if _, ok := av.ClassifyVideo(m.Payload); !ok {
		return
	}
	c.sess.PushVideo(m.Payload, m.Timestamp)
}

func (c *Connection) handleData(m *chunk.Message) {
	if !c.isPublishing || c.sess == nil {
		return
	}
	values, err := amf.Decode(m.Payload)
	if err != nil || len(values) == 0 {
		return
	}
	tag := values[0].String()
	if tag != "@setDataFrame" && tag != "onMetaData" {
		return
	}
	// Re-wrap as onMetaData, dropping the @setDataFrame marker, per the
	// teacher's BuildMetadata.
	var dataObj *amf.Value
	if tag == "@setDataFrame" && len(values) > 2 {
		dataObj = values[2]
	} else if len(values) > 1 {
		dataObj = values[1]
	}
	if dataObj == nil {
		return
	}
	out := amf.Encode(amf.String("onMetaData"), dataObj)
	c.sess.SetMetadata(out)
}

// Package session implements the stream registry: one Session per
// stream_path, holding the publisher's sequence headers and a bounded
// GOP cache, fanning out media to subscribers. Grounded on the teacher's
// rtmp_publisher.go / rtmp_session.go GOP-cache control flow, generalised
// from the teacher's channel/key model to spec.md §5's stream_path
// keying.
package session

import (
	"strconv"
	"sync"

	"github.com/riverstream/rtmpd/internal/av"
	"github.com/riverstream/rtmpd/internal/rtmplog"
)

// Kind distinguishes audio from video frames in the GOP cache and fan-out.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

// Frame is one audio/video message forwarded from a publisher.
type Frame struct {
	Kind       Kind
	Timestamp  uint32
	Payload    []byte
	IsKeyframe bool
}

// Subscriber is implemented by connections that register as players.
// Session never imports the connection package — this interface is the
// seam, so the two packages don't form an import cycle.
type Subscriber interface {
	ID() uint64
	IP() string
	SendMetadata(payload []byte)
	SendFrame(f Frame)
	SendStatus(level, code, description string)
	SendStreamEOF()
}

// Publisher is implemented by the connection currently publishing.
type Publisher interface {
	ID() uint64
	// StreamID returns the id assigned by the coordinator/webhook on
	// publish approval, or "" when none was assigned (stand-alone mode).
	StreamID() string
	// Kill forcibly terminates the connection, used by admin commands
	// (coordinator STREAM-KILL, Redis kill-session/close-stream).
	Kill()
}

const (
	// defaultMaxGOPFrames bounds the GOP cache by frame count, per
	// spec.md §8's "GOP bound" property.
	defaultMaxGOPFrames = 5000
	// defaultGOPByteLimit is the teacher's byte-ceiling bound
	// (GOPCacheByteLimit, env GOP_CACHE_SIZE_MB, rtmp_server.go's
	// gopCacheLimit default of 256 MiB), kept alongside the frame-count
	// bound rather than replacing it.
	defaultGOPByteLimit = 256 * 1024 * 1024
)

// subscriberEntry tracks whether this particular subscriber has actually
// been delivered a baseline keyframe yet. A subscriber that joins before
// any keyframe exists (or after DisableGOPCache turns the GOP cache off) must
// not receive interframes/audio until the first keyframe reaches it —
// otherwise a decoder never gets a valid starting point, per spec.md
// §4.5/§8's keyframe-gated-play property.
type subscriberEntry struct {
	sub         Subscriber
	sawKeyframe bool
}

// Session is the live state for one stream_path: at most one publisher,
// any number of subscribers, and the cached sequence headers/GOP needed
// to bootstrap a subscriber joining mid-stream.
type Session struct {
	mu sync.Mutex

	streamPath string

	publisher   Publisher
	subscribers map[uint64]*subscriberEntry

	metadata          []byte
	aacSequenceHeader []byte
	avcSequenceHeader []byte

	gop          []Frame
	gopBytes     int64
	gopDisabled  bool
	maxGOPFrames int
	gopByteLimit int64
}

func newSession(streamPath string) *Session {
	return &Session{
		streamPath:   streamPath,
		subscribers:  make(map[uint64]*subscriberEntry),
		maxGOPFrames: defaultMaxGOPFrames,
		gopByteLimit: defaultGOPByteLimit,
	}
}

// SetGOPLimits overrides the default GOP bounds, used by the server
// façade to apply GOP_CACHE_SIZE_MB and any configured frame-count cap.
func (s *Session) SetGOPLimits(maxFrames int, byteLimit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxFrames > 0 {
		s.maxGOPFrames = maxFrames
	}
	if byteLimit > 0 {
		s.gopByteLimit = byteLimit
	}
}

// HasPublisher reports whether a publisher currently owns this session.
func (s *Session) HasPublisher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher != nil
}

// SetPublisher registers pub as the session's publisher. Returns false if
// the session already has one (the caller replies
// NetStream.Publish.BadName, per spec.md §4.4).
func (s *Session) SetPublisher(pub Publisher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != nil {
		return false
	}
	s.publisher = pub
	return true
}

// EndPublish clears the publisher, resets the GOP cache and sequence
// headers, and notifies every subscriber that the stream stopped, per
// rtmp_publisher.go's EndPublish.
func (s *Session) EndPublish(pub Publisher) {
	s.mu.Lock()
	if s.publisher == nil || s.publisher.ID() != pub.ID() {
		s.mu.Unlock()
		return
	}
	s.publisher = nil
	s.metadata = nil
	s.aacSequenceHeader = nil
	s.avcSequenceHeader = nil
	s.gop = nil
	s.gopBytes = 0
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, e := range s.subscribers {
		subs = append(subs, e.sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.SendStatus("status", "NetStream.Play.UnpublishNotify", "stream is now unpublished.")
		sub.SendStreamEOF()
	}
}

// AddSubscriber registers sub as a player and replays the current
// metadata, sequence headers, and GOP cache to it, per spec.md §4.5's
// sequence-header-replay and keyframe-gated-play properties.
func (s *Session) AddSubscriber(sub Subscriber) {
	s.mu.Lock()
	entry := &subscriberEntry{sub: sub}
	metadata := s.metadata
	aac := s.aacSequenceHeader
	avc := s.avcSequenceHeader
	gop := make([]Frame, len(s.gop))
	copy(gop, s.gop)
	// A cached GOP always starts from a keyframe (see PushVideo's
	// reset-on-keyframe and appendGOPLocked), so replaying one below gives
	// this subscriber its baseline. Without one (joined before the first
	// keyframe, or the GOP cache is disabled) it has none, since a replayed
	// sequence header is not a keyframe, and live interframes/audio are
	// gated until a keyframe actually reaches it.
	if len(gop) > 0 {
		entry.sawKeyframe = true
	}
	s.subscribers[sub.ID()] = entry
	s.mu.Unlock()

	if metadata != nil {
		sub.SendMetadata(metadata)
	}
	if aac != nil {
		sub.SendFrame(Frame{Kind: KindAudio, Payload: aac})
	}
	if avc != nil {
		sub.SendFrame(Frame{Kind: KindVideo, Payload: avc, IsKeyframe: true})
	}
	for _, f := range gop {
		sub.SendFrame(f)
	}
}

// RemoveSubscriber unregisters sub; idempotent.
func (s *Session) RemoveSubscriber(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// SubscriberCount reports the current number of registered players.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// SetMetadata stores and fans out @setDataFrame / onMetaData.
func (s *Session) SetMetadata(payload []byte) {
	s.mu.Lock()
	s.metadata = payload
	subs := s.subscriberSlice()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.SendMetadata(payload)
	}
}

func (s *Session) subscriberSlice() []Subscriber {
	out := make([]Subscriber, 0, len(s.subscribers))
	for _, e := range s.subscribers {
		out = append(out, e.sub)
	}
	return out
}

// PushAudio classifies and fans out an audio message. AAC sequence
// headers are stored, not cached into the GOP, per spec.md §4.5. A
// sequence header reaches every subscriber regardless of the keyframe
// gate (it establishes part of the decoder baseline, same as on join);
// a regular audio frame is withheld from any subscriber that has not yet
// been delivered a video keyframe, per spec.md §4.5/§8's
// keyframe-gated-play property.
func (s *Session) PushAudio(payload []byte, timestamp uint32) {
	frame, ok := av.ClassifyAudio(payload)
	isSeqHeader := ok && frame.IsSequenceHeader
	f := Frame{Kind: KindAudio, Timestamp: timestamp, Payload: payload}

	s.mu.Lock()
	if isSeqHeader {
		s.aacSequenceHeader = payload
	} else if !s.gopDisabled {
		s.appendGOPLocked(f)
	}
	targets := s.gatedTargetsLocked(isSeqHeader, false)
	s.mu.Unlock()

	for _, sub := range targets {
		sub.SendFrame(f)
	}
}

// PushVideo classifies and fans out a video message. A keyframe resets
// the GOP cache to start a fresh group; the AVC sequence header is
// stored separately and never entered into the GOP, per spec.md §4.5.
// A keyframe both opens the gate for every subscriber that hadn't seen
// one yet and is itself delivered to everyone; an interframe is withheld
// from any subscriber still waiting on its first keyframe.
func (s *Session) PushVideo(payload []byte, timestamp uint32) {
	vf, ok := av.ClassifyVideo(payload)
	isSeqHeader := ok && vf.IsSequenceHeader
	isKeyframe := ok && vf.FrameType == av.FrameTypeKey && !isSeqHeader
	f := Frame{Kind: KindVideo, Timestamp: timestamp, Payload: payload, IsKeyframe: isKeyframe}

	if isSeqHeader && ok && vf.CodecID == av.VideoCodecH264 {
		logH264SequenceHeader(s.streamPath, payload)
	}

	s.mu.Lock()
	if isSeqHeader {
		s.avcSequenceHeader = payload
	} else {
		if isKeyframe {
			s.gop = nil
			s.gopBytes = 0
		}
		if !s.gopDisabled {
			s.appendGOPLocked(f)
		}
	}
	targets := s.gatedTargetsLocked(isSeqHeader, isKeyframe)
	s.mu.Unlock()

	for _, sub := range targets {
		sub.SendFrame(f)
	}
}

// gatedTargetsLocked returns the subscribers that should receive the
// frame currently being pushed, applying the keyframe gate: a sequence
// header always goes to everyone; any other frame is withheld from a
// subscriber until it has actually been sent a keyframe, and a keyframe
// opens the gate for every subscriber as it is sent. Must be called with
// s.mu held.
func (s *Session) gatedTargetsLocked(isSeqHeader, isKeyframe bool) []Subscriber {
	out := make([]Subscriber, 0, len(s.subscribers))
	for _, e := range s.subscribers {
		if isSeqHeader {
			out = append(out, e.sub)
			continue
		}
		if isKeyframe {
			e.sawKeyframe = true
		}
		if e.sawKeyframe {
			out = append(out, e.sub)
		}
	}
	return out
}

// logH264SequenceHeader surfaces the profile/level/resolution embedded in
// an AVC sequence header, restoring the diagnostic logging the teacher's
// av.go readH264SpecificConfig/getH264ProfileName fed into its session
// logs (never wired to a log line in the teacher's own source, but the
// same data it parses this for).
func logH264SequenceHeader(streamPath string, payload []byte) {
	cfg := av.ParseH264SequenceHeader(payload)
	if cfg.Width == 0 || cfg.Height == 0 {
		return
	}
	rtmplog.Debug(streamPath + ": H.264 " + av.H264ProfileName(cfg.Profile) + " profile, level " +
		strconv.FormatFloat(float64(cfg.Level), 'f', 1, 32) + ", " +
		strconv.Itoa(int(cfg.Width)) + "x" + strconv.Itoa(int(cfg.Height)))
}

// appendGOPLocked appends f to the GOP cache. Nothing is cached until a
// keyframe opens the GOP, and once either the frame-count or the byte
// bound would be exceeded further frames are not cached, so the cache
// always starts with its keyframe. Must be called with s.mu held.
func (s *Session) appendGOPLocked(f Frame) {
	if len(s.gop) == 0 && !f.IsKeyframe {
		return
	}
	if len(s.gop) >= s.maxGOPFrames || s.gopBytes+int64(len(f.Payload)) > s.gopByteLimit {
		return
	}
	s.gop = append(s.gop, f)
	s.gopBytes += int64(len(f.Payload))
}

// DisableGOPCache stops caching new frames and drops what's cached, like
// rtmp_publisher.go's gopPlayClear. Nothing in internal/conn calls it; a
// play request's cache=clear option is not parsed.
func (s *Session) DisableGOPCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gop = nil
	s.gopBytes = 0
	s.gopDisabled = true
}

// StreamPath returns the "/"+app+"/"+name key this session is registered under.
func (s *Session) StreamPath() string { return s.streamPath }

// Kill terminates the current publisher if one exists and, when
// streamID is non-empty, only if it matches the publisher's assigned
// stream id — mirroring the teacher's STREAM-KILL/close-stream handling
// of a specific stream_id versus the "*"/empty wildcard for "whoever is
// publishing". Returns true if a publisher was killed.
func (s *Session) Kill(streamID string) bool {
	s.mu.Lock()
	pub := s.publisher
	s.mu.Unlock()

	if pub == nil {
		return false
	}
	if streamID != "" && pub.StreamID() != streamID {
		return false
	}
	pub.Kill()
	return true
}

// Registry is the server-wide map of stream_path -> Session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the Session for streamPath, creating it if absent.
func (r *Registry) GetOrCreate(streamPath string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamPath]
	if !ok {
		s = newSession(streamPath)
		r.sessions[streamPath] = s
	}
	return s
}

// Get returns the Session for streamPath if one exists.
func (r *Registry) Get(streamPath string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamPath]
	return s, ok
}

// Sweep removes sessions that have neither a publisher nor subscribers,
// preventing orphaned entries from accumulating — Go has no first-class
// weak references, so this explicit removal-on-idle pass stands in for
// the teacher's reliance on reference counting via its server-level maps.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for path, s := range r.sessions {
		if !s.HasPublisher() && s.SubscriberCount() == 0 {
			delete(r.sessions, path)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions, for diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// KillPublisher implements control.KillSwitch and redisctl.KillSwitch:
// it kills the publisher of streamPath, optionally scoped to a specific
// streamID ("" or "*" kills whoever is currently publishing).
func (r *Registry) KillPublisher(streamPath, streamID string) {
	if streamID == "*" {
		streamID = ""
	}
	r.mu.Lock()
	s, ok := r.sessions[streamPath]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Kill(streamID)
}

// KillAllPublishers implements control.KillSwitch, used after the
// coordinator connection is reestablished: it may have lost track of
// every session while disconnected, so every active publisher is killed
// and must reconnect and re-request approval.
func (r *Registry) KillAllPublishers() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Kill("")
	}
}

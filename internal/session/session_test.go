package session

import "testing"

type fakeSubscriber struct {
	id       uint64
	frames   []Frame
	metadata [][]byte
	statuses []string
	eof      bool
}

func (f *fakeSubscriber) ID() uint64   { return f.id }
func (f *fakeSubscriber) IP() string   { return "127.0.0.1" }
func (f *fakeSubscriber) SendMetadata(payload []byte) {
	f.metadata = append(f.metadata, payload)
}
func (f *fakeSubscriber) SendFrame(fr Frame)      { f.frames = append(f.frames, fr) }
func (f *fakeSubscriber) SendStatus(level, code, description string) {
	f.statuses = append(f.statuses, code)
}
func (f *fakeSubscriber) SendStreamEOF() { f.eof = true }

type fakePublisher struct {
	id       uint64
	streamID string
	killed   bool
}

func (p *fakePublisher) ID() uint64       { return p.id }
func (p *fakePublisher) StreamID() string { return p.streamID }
func (p *fakePublisher) Kill()            { p.killed = true }

func avcSeqHeader() []byte   { return []byte{0x17, 0x00, 0, 0, 0, 1, 2, 3} }
func aacSeqHeader() []byte   { return []byte{0xAF, 0x00, 0x12, 0x10} }
func keyframe(b byte) []byte { return []byte{0x17, 0x01, 0, 0, 0, 0, 0, 0, 1, b} }
func interframe(b byte) []byte {
	return []byte{0x27, 0x01, 0, 0, 0, 0, 0, 0, 1, b}
}

func TestPublisherExclusivity(t *testing.T) {
	s := newSession("/live/a")
	p1 := &fakePublisher{id: 1}
	p2 := &fakePublisher{id: 2}

	if !s.SetPublisher(p1) {
		t.Fatalf("first publisher should be accepted")
	}
	if s.SetPublisher(p2) {
		t.Fatalf("second publisher should be rejected")
	}
}

func TestSequenceHeaderReplayAndKeyframeGate(t *testing.T) {
	s := newSession("/live/a")
	pub := &fakePublisher{id: 1}
	s.SetPublisher(pub)

	s.PushVideo(avcSeqHeader(), 0)
	s.PushAudio(aacSeqHeader(), 0)
	s.PushVideo(keyframe(1), 10)
	s.PushVideo(interframe(2), 20)

	sub := &fakeSubscriber{id: 42}
	s.AddSubscriber(sub)

	if len(sub.frames) < 3 {
		t.Fatalf("expected at least 3 replayed frames, got %d", len(sub.frames))
	}
	// first replayed frame must be the AAC header, second the AVC header
	// (session replay order), and the first non-header frame must be a
	// keyframe, never an inter frame.
	var sawFirstMedia bool
	for _, f := range sub.frames {
		if f.Kind == KindVideo && !isHeaderPayload(f.Payload) {
			if !sawFirstMedia {
				if !f.IsKeyframe {
					t.Fatalf("first video media frame was not a keyframe")
				}
				sawFirstMedia = true
			}
		}
	}
}

func isHeaderPayload(p []byte) bool {
	return len(p) >= 2 && p[1] == 0x00
}

func TestLiveGateWithholdsFramesUntilFirstKeyframe(t *testing.T) {
	s := newSession("/live/a")
	pub := &fakePublisher{id: 1}
	s.SetPublisher(pub)

	// Subscriber joins before any keyframe has ever been cached (GOP
	// empty, no AVC sequence header yet) — it has no baseline to decode
	// against, so it must not be a target for interframes/audio sent
	// before its first live keyframe.
	sub := &fakeSubscriber{id: 99}
	s.AddSubscriber(sub)
	if len(sub.frames) != 0 {
		t.Fatalf("expected no replayed frames for a subscriber with no baseline, got %d", len(sub.frames))
	}

	s.PushAudio(aacSeqHeader(), 0)
	s.PushVideo(interframe(1), 10)
	s.PushAudio([]byte{0xAF, 0x01, 0x00}, 20)

	for _, f := range sub.frames {
		if f.Kind == KindVideo && !f.IsKeyframe {
			t.Fatalf("video interframe reached an ungated subscriber before its first keyframe")
		}
	}
	var sawAudioFrame bool
	for _, f := range sub.frames {
		if f.Kind == KindAudio && !isHeaderPayload(f.Payload) {
			sawAudioFrame = true
		}
	}
	if sawAudioFrame {
		t.Fatalf("audio frame reached a subscriber before its first keyframe")
	}

	s.PushVideo(keyframe(2), 30)
	s.PushVideo(interframe(3), 40)
	s.PushAudio([]byte{0xAF, 0x01, 0x01}, 50)

	var sawKeyframe, sawInterAfterKey, sawAudioAfterKey bool
	for _, f := range sub.frames {
		if f.Kind == KindVideo && f.IsKeyframe {
			sawKeyframe = true
		}
		if sawKeyframe && f.Kind == KindVideo && !f.IsKeyframe && !isHeaderPayload(f.Payload) {
			sawInterAfterKey = true
		}
		if sawKeyframe && f.Kind == KindAudio && !isHeaderPayload(f.Payload) {
			sawAudioAfterKey = true
		}
	}
	if !sawKeyframe {
		t.Fatalf("expected the live keyframe to reach the subscriber")
	}
	if !sawInterAfterKey {
		t.Fatalf("expected an interframe after the first keyframe to reach the subscriber")
	}
	if !sawAudioAfterKey {
		t.Fatalf("expected audio after the first keyframe to reach the subscriber")
	}
}

func TestGOPBoundFrameCount(t *testing.T) {
	s := newSession("/live/a")
	s.SetGOPLimits(3, 0)
	pub := &fakePublisher{id: 1}
	s.SetPublisher(pub)

	s.PushVideo(keyframe(1), 0)
	for i := 0; i < 10; i++ {
		s.PushVideo(interframe(byte(i)), uint32(i*10))
	}

	if len(s.gop) > 3 {
		t.Fatalf("gop cache has %d frames, want <= 3", len(s.gop))
	}
}

func TestKeyframeResetsGOP(t *testing.T) {
	s := newSession("/live/a")
	pub := &fakePublisher{id: 1}
	s.SetPublisher(pub)

	s.PushVideo(keyframe(1), 0)
	s.PushVideo(interframe(2), 10)
	s.PushVideo(interframe(3), 20)
	before := len(s.gop)
	if before != 3 {
		t.Fatalf("gop len before reset = %d, want 3", before)
	}

	s.PushVideo(keyframe(4), 30)
	if len(s.gop) != 1 {
		t.Fatalf("gop len after new keyframe = %d, want 1 (reset)", len(s.gop))
	}
}

func TestEndPublishNotifiesSubscribers(t *testing.T) {
	s := newSession("/live/a")
	pub := &fakePublisher{id: 1}
	s.SetPublisher(pub)

	sub := &fakeSubscriber{id: 7}
	s.AddSubscriber(sub)

	s.EndPublish(pub)

	if !sub.eof {
		t.Fatalf("expected stream EOF to be sent")
	}
	if len(sub.statuses) == 0 || sub.statuses[len(sub.statuses)-1] != "NetStream.Play.UnpublishNotify" {
		t.Fatalf("expected UnpublishNotify status, got %v", sub.statuses)
	}
	if s.HasPublisher() {
		t.Fatalf("session should have no publisher after EndPublish")
	}
}

func TestRegistrySweepRemovesOrphans(t *testing.T) {
	r := NewRegistry()
	s := r.GetOrCreate("/live/a")
	if r.Count() != 1 {
		t.Fatalf("expected 1 session")
	}

	removed := r.Sweep()
	if removed != 1 {
		t.Fatalf("expected sweep to remove the orphan session, removed=%d", removed)
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 sessions after sweep")
	}

	pub := &fakePublisher{id: 1}
	s2 := r.GetOrCreate("/live/b")
	s2.SetPublisher(pub)
	if r.Sweep() != 0 {
		t.Fatalf("sweep should not remove a session with an active publisher")
	}
	_ = s
}

func TestRegistryKillPublisherByStreamID(t *testing.T) {
	r := NewRegistry()
	pub := &fakePublisher{id: 1, streamID: "stream-1"}
	s := r.GetOrCreate("/live/a")
	s.SetPublisher(pub)

	r.KillPublisher("/live/a", "wrong-stream-id")
	if pub.killed {
		t.Fatalf("publisher should not be killed when the stream id doesn't match")
	}

	r.KillPublisher("/live/a", "stream-1")
	if !pub.killed {
		t.Fatalf("publisher should be killed when the stream id matches")
	}
}

func TestRegistryKillPublisherWildcard(t *testing.T) {
	r := NewRegistry()
	pub := &fakePublisher{id: 1, streamID: "stream-1"}
	s := r.GetOrCreate("/live/a")
	s.SetPublisher(pub)

	r.KillPublisher("/live/a", "*")
	if !pub.killed {
		t.Fatalf("wildcard stream id should kill whoever is publishing")
	}
}

func TestRegistryKillAllPublishers(t *testing.T) {
	r := NewRegistry()
	pubA := &fakePublisher{id: 1}
	pubB := &fakePublisher{id: 2}
	sa := r.GetOrCreate("/live/a")
	sa.SetPublisher(pubA)
	sb := r.GetOrCreate("/live/b")
	sb.SetPublisher(pubB)

	r.KillAllPublishers()
	if !pubA.killed || !pubB.killed {
		t.Fatalf("expected every active publisher to be killed")
	}
}

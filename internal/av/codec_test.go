package av

import "testing"

func TestClassifyVideoSequenceHeader(t *testing.T) {
	payload := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	f, ok := ClassifyVideo(payload)
	if !ok {
		t.Fatalf("expected ok")
	}
	if f.FrameType != FrameTypeKey || f.CodecID != VideoCodecH264 || !f.IsSequenceHeader {
		t.Fatalf("unexpected classification: %+v", f)
	}
	if IsKeyframe(payload) {
		t.Fatalf("sequence header must not count as a keyframe")
	}
}

func TestClassifyVideoKeyframeNALU(t *testing.T) {
	payload := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0, 0, 0, 4, 1, 2, 3, 4}
	f, ok := ClassifyVideo(payload)
	if !ok || f.IsSequenceHeader {
		t.Fatalf("unexpected classification: %+v", f)
	}
	if !IsKeyframe(payload) {
		t.Fatalf("expected keyframe")
	}
}

func TestClassifyVideoInterFrame(t *testing.T) {
	payload := []byte{0x27, 0x01, 0x00, 0x00, 0x00}
	f, _ := ClassifyVideo(payload)
	if f.FrameType != FrameTypeInter {
		t.Fatalf("expected inter frame, got %+v", f)
	}
	if IsKeyframe(payload) {
		t.Fatalf("inter frame must not be classified as keyframe")
	}
}

func TestClassifyAudioSequenceHeader(t *testing.T) {
	payload := []byte{0xAF, 0x00, 0x12, 0x10}
	f, ok := ClassifyAudio(payload)
	if !ok || !f.IsSequenceHeader || f.SoundFormat != AudioCodecAAC {
		t.Fatalf("unexpected classification: %+v", f)
	}
}

func TestClassifyAudioRawFrame(t *testing.T) {
	payload := []byte{0xAF, 0x01, 1, 2, 3}
	f, _ := ClassifyAudio(payload)
	if f.IsSequenceHeader {
		t.Fatalf("raw frame must not be a sequence header")
	}
}

func TestParseAACSequenceHeaderStereo44k(t *testing.T) {
	// AudioSpecificConfig: object type 2 (AAC-LC), sampling idx 4 (44100),
	// channel config 2 (stereo): 00010 0100 0010 -> bytes 0x12 0x10.
	payload := []byte{0xAF, 0x00, 0x12, 0x10}
	cfg := ParseAACSequenceHeader(payload)
	if cfg.ObjectType != 2 {
		t.Fatalf("object type = %d, want 2", cfg.ObjectType)
	}
	if cfg.SampleRate != 44100 {
		t.Fatalf("sample rate = %d, want 44100", cfg.SampleRate)
	}
	if cfg.ChannelConfig != 2 {
		t.Fatalf("channel config = %d, want 2", cfg.ChannelConfig)
	}
	if AACProfileName(cfg) != "LC" {
		t.Fatalf("profile name = %q, want LC", AACProfileName(cfg))
	}
}

func TestBitReaderGolomb(t *testing.T) {
	// Exp-Golomb 0 is encoded as a single '1' bit.
	b := newBitReader([]byte{0x80})
	if v := b.ReadGolomb(); v != 0 {
		t.Fatalf("golomb(1000...) = %d, want 0", v)
	}
}

func TestBitReaderSequentialReadsAdvance(t *testing.T) {
	b := newBitReader([]byte{0xFF, 0x00})
	first := b.Read(4)
	second := b.Read(4)
	third := b.Read(8)
	if first != 0x0F || second != 0x0F || third != 0x00 {
		t.Fatalf("got %x %x %x, want f f 0", first, second, third)
	}
}

// Package av classifies inbound audio/video payloads and parses the
// AAC/H.264 sequence headers, per spec.md §4.5 and §6's publisher input
// formats. Other codecs named by the teacher (HEVC, Speex, On2-VP6, …)
// are out of scope: spec.md's Non-goals exclude codecs other than
// H.264/AAC.
package av

const (
	VideoCodecH264 = 7

	FrameTypeKey   = 1
	FrameTypeInter = 2
)

// VideoFrame describes the first byte(s) of an RTMP video payload.
type VideoFrame struct {
	FrameType       byte // 1 = key, 2 = inter, …
	CodecID         byte
	IsSequenceHeader bool
}

// ClassifyVideo reads the FLV video tag header: high nibble of byte 0 is
// frame type, low nibble is codec id; for AVC (codec 7), byte 1 is the AVC
// packet type (0 = sequence header).
func ClassifyVideo(payload []byte) (VideoFrame, bool) {
	if len(payload) < 1 {
		return VideoFrame{}, false
	}
	frameType := payload[0] >> 4
	codecID := payload[0] & 0x0f
	seqHeader := codecID == VideoCodecH264 && len(payload) >= 2 && payload[1] == 0
	return VideoFrame{FrameType: frameType, CodecID: codecID, IsSequenceHeader: seqHeader}, true
}

// IsKeyframe reports whether payload is an H.264 keyframe NALU (not a
// sequence header).
func IsKeyframe(payload []byte) bool {
	f, ok := ClassifyVideo(payload)
	return ok && f.FrameType == FrameTypeKey && !f.IsSequenceHeader
}

// AudioFrame describes the first two bytes of an RTMP audio payload.
type AudioFrame struct {
	SoundFormat      byte // 10 = AAC
	IsSequenceHeader bool
}

const AudioCodecAAC = 10

// ClassifyAudio reads the FLV audio tag header: high nibble of byte 0 is
// sound format; for AAC, byte 1 is the AAC packet type (0 = sequence
// header, 1 = raw frame).
func ClassifyAudio(payload []byte) (AudioFrame, bool) {
	if len(payload) < 1 {
		return AudioFrame{}, false
	}
	format := payload[0] >> 4
	seqHeader := format == AudioCodecAAC && len(payload) >= 2 && payload[1] == 0
	return AudioFrame{SoundFormat: format, IsSequenceHeader: seqHeader}, true
}

// AACConfig is the subset of AudioSpecificConfig used for diagnostics —
// the profile name surfaced in connection/session logs.
type AACConfig struct {
	ObjectType    uint32
	SampleRate    uint32
	ChannelConfig uint32
}

var aacSampleRates = []uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

func readAudioObjectType(b *bitReader) uint32 {
	v := b.Read(5)
	if v == 31 {
		v = b.Read(6) + 32
	}
	return v
}

func readSampleRate(b *bitReader, idx byte) uint32 {
	if idx == 0x0f {
		return b.Read(24)
	}
	if int(idx) < len(aacSampleRates) {
		return aacSampleRates[idx]
	}
	return 0
}

// ParseAACSequenceHeader decodes the AudioSpecificConfig following the
// AAC packet type byte (the full payload, including the 2-byte RTMP
// audio tag header).
func ParseAACSequenceHeader(payload []byte) AACConfig {
	var cfg AACConfig
	if len(payload) < 4 {
		return cfg
	}
	b := newBitReader(payload[2:])
	cfg.ObjectType = readAudioObjectType(b)
	idx := byte(b.Read(4))
	cfg.SampleRate = readSampleRate(b, idx)
	cfg.ChannelConfig = b.Read(4)
	return cfg
}

// AACProfileName maps an AudioSpecificConfig object type to its display
// name, as used in onMetaData / diagnostic logging.
func AACProfileName(cfg AACConfig) string {
	switch cfg.ObjectType {
	case 1:
		return "Main"
	case 2:
		return "LC"
	case 3:
		return "SSR"
	case 4:
		return "LTP"
	case 5:
		return "SBR"
	default:
		return ""
	}
}

// H264Config is the subset of the SPS relevant to diagnostics.
type H264Config struct {
	Width   uint32
	Height  uint32
	Profile byte
	Level   float32
}

// ParseH264SequenceHeader decodes the AVCDecoderConfigurationRecord
// following the RTMP video tag header (5 bytes: frame/codec, packet
// type, composition time) to extract width/height/profile/level from
// the embedded SPS, mirroring the teacher's approach but using the
// fixed pointer-based bit reader.
func ParseH264SequenceHeader(payload []byte) H264Config {
	var cfg H264Config
	if len(payload) < 11 {
		return cfg
	}
	b := newBitReader(payload)
	b.Read(48) // 5-byte RTMP video tag header + AVCC configurationVersion

	cfg.Profile = byte(b.Read(8))
	b.Read(8) // compatibility
	cfg.Level = float32(b.Read(8))

	b.Read(8) // NALU length size byte
	nbSPS := byte(b.Read(8)) & 0x1f
	if nbSPS == 0 {
		return cfg
	}

	b.Read(16) // SPS NALU length
	nalType := b.Read(8)
	if nalType != 0x67 {
		return cfg
	}

	profileIDC := b.Read(8)
	b.Read(8) // constraint flags
	b.Read(8) // level_idc (redundant with cfg.Level above)
	b.ReadGolomb()

	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118:
		cfIDC := b.ReadGolomb()
		if cfIDC == 3 {
			b.Read(1)
		}
		b.ReadGolomb()
		b.ReadGolomb()
		b.Read(1)
		if b.Read(1) != 0 {
			if cfIDC == 3 {
				b.Read(12)
			} else {
				b.Read(8)
			}
		}
	}

	b.ReadGolomb() // log2_max_frame_num
	switch cntType := b.ReadGolomb(); cntType {
	case 0:
		b.ReadGolomb()
	case 1:
		b.Read(1)
		b.ReadGolomb()
		b.ReadGolomb()
		n := b.ReadGolomb()
		for i := uint32(0); i < n; i++ {
			b.ReadGolomb()
		}
	}

	b.ReadGolomb() // num_ref_frames
	b.Read(1)      // gaps_in_frame_num_allowed

	width := b.ReadGolomb()
	height := b.ReadGolomb()
	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1)
	}
	b.Read(1) // direct_8x8_inference

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if b.Read(1) != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	cfg.Level = cfg.Level / 10.0
	cfg.Width = (width+1)*16 - (cropLeft+cropRight)*2
	cfg.Height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2
	return cfg
}

// H264ProfileName maps a profile_idc byte to its display name.
func H264ProfileName(profile byte) string {
	switch profile {
	case 66:
		return "Baseline"
	case 77:
		return "Main"
	case 100:
		return "High"
	default:
		return ""
	}
}

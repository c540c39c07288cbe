package media

import (
	"context"
	"errors"
	"time"
)

// ErrNoTrack is returned by a Decoder when the requested track is absent.
var ErrNoTrack = errors.New("track not present in source")

// TrackKind identifies a track within a container.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// Sample is one unit of compressed or decoded media. The pipeline never
// inspects Data; it only relays samples and sets TrimAtStart on the first audio
// sample it writes.
type Sample struct {
	Track       TrackKind
	PTS         time.Duration
	Duration    time.Duration
	Data        []byte
	TrimAtStart time.Duration
}

// Audio output profile. Every audio stream is written with these settings.
const (
	AudioSampleRate    = 44100
	AudioChannels      = 1
	AudioBitrate       = 128_000
	AudioFrameSamples  = 1024
	AudioCodecAAC      = "aac"
	VideoCodecH264     = "h264"
	AudioBytesPerFrame = AudioFrameSamples * AudioChannels * 2
)

// AudioPriming is the encoder delay trimmed from the start of the audio
// stream: one AAC frame at the output sample rate.
const AudioPriming = time.Duration(AudioFrameSamples) * time.Second / AudioSampleRate

// VideoTrackSpec describes how a decoder should deliver video frames.
type VideoTrackSpec struct {
	// Width and Height are the stored (pre-rotation) dimensions of the source.
	Width     int
	Height    int
	FrameRate float64
}

// AudioTrackSpec describes how a decoder should deliver audio.
type AudioTrackSpec struct {
	SampleRate int
	Channels   int
}

// TrackReader delivers samples of one track in presentation order. Next
// returns io.EOF once the track is exhausted.
type TrackReader interface {
	Next(ctx context.Context) (Sample, error)
	Close() error
}

// Decoder opens tracks of a source file. Reopening a track restarts it.
type Decoder interface {
	OpenVideo(ctx context.Context, path string, spec VideoTrackSpec) (TrackReader, error)
	OpenAudio(ctx context.Context, path string, spec AudioTrackSpec) (TrackReader, error)
}

// VideoStreamConfig configures the output video stream.
type VideoStreamConfig struct {
	Codec string
	// Width and Height are in stored orientation; Transform rotates them for
	// display.
	Width      int
	Height     int
	BitrateBps int64
	FrameRate  float64
	Transform  Transform
	// SourceWidth and SourceHeight are the dimensions of the frames appended.
	SourceWidth  int
	SourceHeight int
}

// AudioStreamConfig configures the output audio stream.
type AudioStreamConfig struct {
	Codec      string
	SampleRate int
	Channels   int
	BitrateBps int64
}

// DefaultAudioStream is the fixed audio output profile.
func DefaultAudioStream() AudioStreamConfig {
	return AudioStreamConfig{
		Codec:      AudioCodecAAC,
		SampleRate: AudioSampleRate,
		Channels:   AudioChannels,
		BitrateBps: AudioBitrate,
	}
}

// StreamWriter accepts samples for one output stream.
type StreamWriter interface {
	// WaitReady blocks until the stream can take another sample.
	WaitReady(ctx context.Context) error
	Append(ctx context.Context, s Sample) error
	MarkFinished() error
}

// ContainerWriter produces one output file. Streams must be added before
// Start. Finish completes the file; Abort discards it.
type ContainerWriter interface {
	AddVideoStream(cfg VideoStreamConfig) (StreamWriter, error)
	AddAudioStream(cfg AudioStreamConfig) (StreamWriter, error)
	Start(ctx context.Context) error
	Finish(ctx context.Context) error
	Abort() error
}

// Encoder creates container writers.
type Encoder interface {
	Create(ctx context.Context, path string) (ContainerWriter, error)
}

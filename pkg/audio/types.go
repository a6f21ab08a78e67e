// Package audio provides the microphone frame source used by the detection
// loop: a bounded PCM ring buffer fed by the device bridge or a local reader,
// plus PCM format conversion helpers.
//
// All PCM handled here is signed 16-bit little-endian.
package audio

// Detection frame geometry. The keyword spotter and the VAD scorer both work
// on 512-sample mono frames at 16 kHz (32 ms).
const (
	SampleRate    = 16000
	FrameSamples  = 512
	FrameBytes    = FrameSamples * 2
	FrameDuration = FrameSamples * 1000 / SampleRate // milliseconds
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DetectionFormat is the format the detection loop expects.
var DetectionFormat = Format{SampleRate: SampleRate, Channels: 1}

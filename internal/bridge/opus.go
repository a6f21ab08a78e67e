package bridge

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/wakeloop/pkg/audio"
)

// maxOpusFrameSamples is the largest Opus frame (120 ms) at the detection
// sample rate.
const maxOpusFrameSamples = audio.SampleRate * 120 / 1000

// opusDecoder turns Opus packets from the device microphone into 16 kHz mono
// PCM. One decoder is created per connection so decoder state follows the
// packet stream.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("bridge: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns little-endian PCM for one packet.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, maxOpusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("bridge: opus decode: %w", err)
	}
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b, nil
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// pumpChunk is the read size used by [Pump]: 20 ms of 48 kHz stereo, which
// covers the largest input format we accept without starving the reader.
const pumpChunk = 3840

// Pump copies raw PCM from r to w, converting from the given format to the
// detection format. It returns nil when r reaches EOF and ctx.Err() when ctx
// is cancelled. Partial samples at chunk boundaries are carried over.
//
// Cancellation is observed between reads; a reader blocked in Read (e.g.
// stdin) is only released by closing it or by process exit.
func Pump(ctx context.Context, r io.Reader, w io.Writer, from Format) error {
	conv := &FormatConverter{Source: from, Target: DetectionFormat}
	align := 2 * max(from.Channels, 1)

	buf := make([]byte, pumpChunk)
	var carry []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			whole := len(chunk) - len(chunk)%align
			carry = append([]byte(nil), chunk[whole:]...)

			if out := conv.Convert(chunk[:whole]); len(out) > 0 {
				if _, werr := w.Write(out); werr != nil {
					return fmt.Errorf("audio: pump write: %w", werr)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio: pump read: %w", err)
		}
	}
}

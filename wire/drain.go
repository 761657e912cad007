package wire

import "github.com/kleedaisuki/cloudcompile/buffer"

// FrameHandler is invoked once per fully-assembled frame drained from a
// connection's input buffer.
type FrameHandler func(tag string, payload []byte)

// Drain repeatedly decodes frames from the head of input, invoking handler
// for each and advancing the read cursor, until fewer bytes than a full
// frame remain (spec §4.6 "Framing", protocol-only per the redesign that
// drops the legacy tag_len>=64 heuristic — see SPEC_FULL.md §11). Payload
// slices passed to handler alias input's backing array and are only valid
// for the duration of that call, since the next Drain iteration may
// compact or grow the buffer.
//
// On ErrOversizeFrame the caller must terminate the connection; Drain
// itself does not touch input further once it returns that error.
func Drain(input *buffer.Buffer, handler FrameHandler) error {
	for input.ReadableBytes() > 0 {
		frame, consumed, err := Decode(input.Peek())
		if err != nil {
			return err
		}
		if frame == nil {
			return nil // need more bytes
		}
		handler(frame.Tag, frame.Payload)
		input.Retrieve(consumed)
	}
	return nil
}

package comm

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/taskmesh/worker/pkg/utils"
)

// Wire layout: a 4-byte big-endian frame count, followed by that many
// frames. Each frame is an 8-byte big-endian length and the raw bytes.

func writeFrames(w io.Writer, frames [][]byte) error {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(frames)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	var size [8]byte
	for _, frame := range frames {
		binary.BigEndian.PutUint64(size[:], uint64(len(frame)))
		if _, err := w.Write(size[:]); err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// readFrames reads one wire message. End-of-stream before the first
// byte is a clean close and surfaces as io.EOF; end-of-stream anywhere
// after that fails with ErrTransportTruncated.
func readFrames(r io.Reader) ([][]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", utils.ErrTransportTruncated, err)
	}

	count := binary.BigEndian.Uint32(head[:])
	frames := make([][]byte, 0, count)

	var size [8]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrTransportTruncated, err)
		}

		length := binary.BigEndian.Uint64(size[:])
		frame := make([]byte, length)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrTransportTruncated, err)
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

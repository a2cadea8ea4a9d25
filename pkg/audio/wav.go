package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

const wavHeaderSize = 44

// Writer appends raw PCM16 to a WAV file, fixing up the RIFF sizes on Close.
// It is used for per-call debug dumps; writes are buffered by the OS, no
// additional buffering is done here.
type Writer struct {
	f          *os.File
	sampleRate int
	channels   int
	dataBytes  int
}

// NewWriter creates path (truncating any existing file) and writes a
// placeholder WAV header for 16-bit PCM at the given rate and channel count.
func NewWriter(path string, sampleRate, channels int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %q: %w", path, err)
	}
	w := &Writer{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Write appends little-endian PCM16 bytes to the data chunk.
func (w *Writer) Write(pcm []byte) error {
	n, err := w.f.Write(pcm)
	w.dataBytes += n
	if err != nil {
		return fmt.Errorf("wav: write: %w", err)
	}
	return nil
}

// Close rewrites the RIFF and data chunk sizes and closes the file.
func (w *Writer) Close() error {
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *Writer) writeHeader() error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+w.dataBytes))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	byteRate := w.sampleRate * w.channels * 2
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(w.dataBytes))
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	// Leave the write offset at the end of the data chunk.
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wav: seek: %w", err)
	}
	return nil
}

// FileDuration estimates the playback duration of the WAV file at path from
// its size on disk. The byte rate is read from the fmt chunk when the header
// parses cleanly; otherwise 8 kHz mono 16-bit is assumed, which matches the
// prompt library layout. The result is clamped to at least min.
func FileDuration(path string, min time.Duration) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wav: open %q: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("wav: stat %q: %w", path, err)
	}

	byteRate := 8000 * 2
	var hdr [wavHeaderSize]byte
	if n, _ := f.ReadAt(hdr[:], 0); n == wavHeaderSize && string(hdr[0:4]) == "RIFF" {
		if br := binary.LittleEndian.Uint32(hdr[28:32]); br > 0 {
			byteRate = int(br)
		}
	}

	dataBytes := st.Size() - wavHeaderSize
	if dataBytes < 0 {
		dataBytes = 0
	}
	d := time.Duration(dataBytes) * time.Second / time.Duration(byteRate)
	if d < min {
		d = min
	}
	return d, nil
}

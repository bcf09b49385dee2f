package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// wavHeaderSize is the canonical PCM WAV header length. A file of exactly
// this size carries no audio frames.
const wavHeaderSize = 44

const bitsPerSample = 16

// wavFile is one in-progress WAV segment. The header is written up front
// with placeholder sizes and patched on close.
type wavFile struct {
	file       *os.File
	path       string
	sampleRate int
	channels   int
	dataBytes  int64
}

func createWAV(path string, sampleRate, channels int) (*wavFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	w := &wavFile{file: file, path: path, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *wavFile) writeHeader() error {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	// Sizes at offsets 4 and 40 are patched on close.
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(w.sampleRate))
	byteRate := w.sampleRate * w.channels * bitsPerSample / 8
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	blockAlign := w.channels * bitsPerSample / 8
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")

	_, err := w.file.Write(header)
	if err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

// WritePCM appends raw sample data.
func (w *wavFile) WritePCM(data []byte) error {
	n, err := w.file.Write(data)
	w.dataBytes += int64(n)
	if err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	return nil
}

// DataBytes returns the audio payload size written so far.
func (w *wavFile) DataBytes() int64 { return w.dataBytes }

// Duration returns the elapsed audio time represented by the written data.
func (w *wavFile) Duration() float64 {
	byteRate := w.sampleRate * w.channels * bitsPerSample / 8
	if byteRate == 0 {
		return 0
	}
	return float64(w.dataBytes) / float64(byteRate)
}

// Close patches the RIFF and data chunk sizes and closes the file.
func (w *wavFile) Close() error {
	sizes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizes, uint32(36+w.dataBytes))
	if _, err := w.file.WriteAt(sizes, 4); err != nil {
		w.file.Close()
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(sizes, uint32(w.dataBytes))
	if _, err := w.file.WriteAt(sizes, 40); err != nil {
		w.file.Close()
		return fmt.Errorf("patch data size: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync wav: %w", err)
	}
	return w.file.Close()
}

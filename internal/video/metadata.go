package video

import (
	"fmt"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"retrace/internal/fileutil"
)

// ChunkInfo is everything the upload metadata needs about one finalized
// video chunk.
type ChunkInfo struct {
	Path     string
	Size     int64
	Checksum string
	Duration time.Duration
	Codec    string
}

// probeChunk stats and checksums the chunk, then reads its container for
// duration and codec. A chunk that fails the container probe still ships;
// only duration/codec stay empty.
func probeChunk(path string) (ChunkInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("stat chunk: %w", err)
	}
	checksum, err := fileutil.ChecksumSHA256(path)
	if err != nil {
		return ChunkInfo{}, fmt.Errorf("checksum chunk: %w", err)
	}

	chunk := ChunkInfo{Path: path, Size: info.Size(), Checksum: checksum}
	duration, codec, err := probeContainer(path)
	if err != nil {
		return chunk, nil
	}
	chunk.Duration = duration
	chunk.Codec = codec
	return chunk, nil
}

func probeContainer(path string) (time.Duration, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	parsed, err := mp4.DecodeFile(file)
	if err != nil {
		return 0, "", err
	}
	if parsed.Moov == nil || parsed.Moov.Mvhd == nil {
		return 0, "", fmt.Errorf("no movie header in %s", path)
	}

	mvhd := parsed.Moov.Mvhd
	var duration time.Duration
	if mvhd.Timescale > 0 {
		duration = time.Duration(float64(mvhd.Duration) / float64(mvhd.Timescale) * float64(time.Second))
	}

	codec := ""
	for _, trak := range parsed.Moov.Traks {
		codec = videoCodec(trak)
		if codec != "" {
			break
		}
	}
	return duration, codec, nil
}

func videoCodec(trak *mp4.TrakBox) string {
	if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
		return ""
	}
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return ""
	}
	for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
		switch child.Type() {
		case "avc1", "avc3":
			return "h264"
		case "hvc1", "hev1":
			return "h265"
		case "av01":
			return "av1"
		}
	}
	return ""
}

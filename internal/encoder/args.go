package encoder

import (
	"fmt"
	"path/filepath"
	"strings"

	"retrace/internal/capture"
)

// softwareEncoder is the fallback when a hardware encoder keeps crashing.
const softwareEncoder = "libx264"

var hardwareSuffixes = []string{"_vaapi", "_nvenc", "_qsv", "_amf", "_v4l2m2m", "_videotoolbox"}

func isHardwareEncoder(name string) bool {
	for _, suffix := range hardwareSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// chunkPattern returns the segment output pattern, monitor-qualified when a
// monitor tag is set so two pipelines never collide in one directory.
func (p *Process) chunkPattern() string {
	name := "chunk_%04d.mp4"
	if p.opts.MonitorTag != "" {
		name = p.opts.MonitorTag + "_" + name
	}
	return filepath.Join(p.opts.OutputDir, name)
}

// manifestPath returns the CSV segment-list file the encoder appends to.
func (p *Process) manifestPath() string {
	name := "segments.csv"
	if p.opts.MonitorTag != "" {
		name = p.opts.MonitorTag + "_" + name
	}
	return filepath.Join(p.opts.OutputDir, name)
}

// segmentArgs are shared by both invocation modes: fixed-duration chunk
// files plus one CSV manifest row per finalized segment.
func (p *Process) segmentArgs() []string {
	return []string{
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", int(p.opts.ChunkDuration.Seconds())),
		"-segment_format", "mp4",
		"-segment_format_options", "movflags=+faststart",
		"-segment_list", p.manifestPath(),
		"-segment_list_type", "csv",
		"-reset_timestamps", "1",
		p.chunkPattern(),
	}
}

func (p *Process) encoderArgs(encoderName string) []string {
	args := []string{"-c:v", encoderName}
	if isHardwareEncoder(encoderName) {
		if strings.HasSuffix(encoderName, "_vaapi") {
			args = append([]string{"-vaapi_device", "/dev/dri/renderD128"}, args...)
			args = append(args, "-vf", "format=nv12,hwupload", "-qp", fmt.Sprintf("%d", p.opts.Quality))
		}
		return args
	}
	args = append(args,
		"-preset", "veryfast",
		"-crf", fmt.Sprintf("%d", p.opts.Quality),
		"-pix_fmt", "yuv420p",
	)
	return args
}

// rawFrameArgs builds the raw-frame stdin invocation: uncompressed frames
// arrive on pipe:0 in the profile's layout.
func (p *Process) rawFrameArgs(profile capture.PixelFormatProfile, encoderName string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning", "-y",
		"-f", "rawvideo",
		"-pix_fmt", profile.PixelFormat,
		"-s", fmt.Sprintf("%dx%d", profile.Width, profile.Height),
		"-r", fmt.Sprintf("%d", profile.FPS),
		"-i", "pipe:0",
	}
	args = append(args, p.encoderArgs(encoderName)...)
	args = append(args, "-g", fmt.Sprintf("%d", profile.FPS*2))
	return append(args, p.segmentArgs()...)
}

// nativeCaptureArgs builds the legacy invocation using the encoder binary's
// own screen-grab input, so no frame feed is needed.
func (p *Process) nativeCaptureArgs(encoderName string) []string {
	input := p.opts.NativeInput
	if input == "" {
		input = ":0.0"
	}
	args := []string{
		"-hide_banner", "-loglevel", "warning", "-y",
		"-f", "x11grab",
		"-framerate", fmt.Sprintf("%d", p.opts.FPS),
		"-i", input,
	}
	args = append(args, p.encoderArgs(encoderName)...)
	return append(args, p.segmentArgs()...)
}

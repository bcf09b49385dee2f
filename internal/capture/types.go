package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PixelFormatProfile describes the raw frame layout a source emits. It is an
// immutable value; inequality between the active profile and an incoming
// frame's profile forces an encoder restart.
type PixelFormatProfile struct {
	PixelFormat string
	Width       int
	Height      int
	FPS         int
	ColorRange  string
	Colorspace  string
}

// Equal reports whether two profiles describe the same frame layout.
func (p PixelFormatProfile) Equal(other PixelFormatProfile) bool {
	return p == other
}

// Valid reports whether the profile carries enough information to configure
// an encoder.
func (p PixelFormatProfile) Valid() bool {
	return p.PixelFormat != "" && p.Width > 0 && p.Height > 0 && p.FPS > 0
}

func (p PixelFormatProfile) String() string {
	return fmt.Sprintf("%s %dx%d@%d", p.PixelFormat, p.Width, p.Height, p.FPS)
}

// RawFrame is one captured frame. It is produced by a MonitorSource and
// consumed exactly once by a pipeline writer; the payload is never shared.
type RawFrame struct {
	Data       []byte
	Profile    PixelFormatProfile
	CapturedAt time.Time
}

// MonitorInfo identifies one display as seen by a capture backend.
type MonitorInfo struct {
	ID      string
	Name    string
	Width   int
	Height  int
	Primary bool
	Backend string
	// Fingerprint identifies the topology this monitor was discovered in.
	Fingerprint string
	// SourceIndex is the backend-specific index, kept as a fallback when an
	// ID lookup drifts between discovery calls.
	SourceIndex int
}

// TopologyFingerprint derives a stable identifier from a monitor set. The
// orchestrator compares fingerprints to detect display hotplug.
func TopologyFingerprint(monitors []MonitorInfo) string {
	keys := make([]string, 0, len(monitors))
	for _, monitor := range monitors {
		keys = append(keys, fmt.Sprintf("%s:%dx%d:%t", monitor.ID, monitor.Width, monitor.Height, monitor.Primary))
	}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "|")))
	return hex.EncodeToString(sum[:8])
}

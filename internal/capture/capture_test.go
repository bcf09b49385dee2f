package capture

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestPackPlanesSinglePlaneStripsPadding(t *testing.T) {
	// 3 rows of 4 payload bytes, stride 6 (2 bytes padding per row).
	src := []byte{
		1, 2, 3, 4, 0xee, 0xee,
		5, 6, 7, 8, 0xee, 0xee,
		9, 10, 11, 12, 0xee, 0xee,
	}
	planes := []PlaneLayout{{Stride: 6, RowBytes: 4, Rows: 3}}

	if got, want := PackedSize(planes), 12; got != want {
		t.Fatalf("PackedSize = %d, want %d", got, want)
	}

	dst := make([]byte, PackedSize(planes))
	n := PackPlanes(dst, src, planes)
	if n != 12 {
		t.Fatalf("PackPlanes wrote %d bytes, want 12", n)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if !bytes.Equal(dst, want) {
		t.Fatalf("packed bytes = %v, want %v", dst, want)
	}
}

func TestPackPlanesTwoPlanes(t *testing.T) {
	// Plane 0: 2 rows of 4 bytes, stride 4 (no padding, single-copy path).
	// Plane 1: 2 rows of 2 bytes at offset 8, stride 4.
	src := []byte{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 0xee, 0xee,
		11, 12, 0xee, 0xee,
	}
	planes := []PlaneLayout{
		{Offset: 0, Stride: 4, RowBytes: 4, Rows: 2},
		{Offset: 8, Stride: 4, RowBytes: 2, Rows: 2},
	}

	dst := make([]byte, PackedSize(planes))
	n := PackPlanes(dst, src, planes)
	if n != 12 {
		t.Fatalf("PackPlanes wrote %d bytes, want 12", n)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if !bytes.Equal(dst, want) {
		t.Fatalf("packed bytes = %v, want %v", dst, want)
	}
}

func TestFrameBufferPoolReusesSmallBuffers(t *testing.T) {
	pool := NewFrameBufferPool(64)

	first := pool.Get(32)
	second := pool.Get(16)
	if &first[0] != &second[0] {
		t.Error("expected persistent buffer reuse for sizes under the ceiling")
	}

	big := pool.Get(128)
	if len(big) != 128 {
		t.Fatalf("oversized Get returned %d bytes, want 128", len(big))
	}
	after := pool.Get(32)
	if &big[0] == &after[0] {
		t.Error("oversized buffer must not be retained by the pool")
	}
}

func TestTopologyFingerprintOrderIndependent(t *testing.T) {
	a := MonitorInfo{ID: "display-0-1920x1080", Width: 1920, Height: 1080, Primary: true}
	b := MonitorInfo{ID: "display-1-2560x1440", Width: 2560, Height: 1440}

	fp1 := TopologyFingerprint([]MonitorInfo{a, b})
	fp2 := TopologyFingerprint([]MonitorInfo{b, a})
	if fp1 != fp2 {
		t.Errorf("fingerprint depends on order: %s vs %s", fp1, fp2)
	}

	b.Height = 1600
	fp3 := TopologyFingerprint([]MonitorInfo{a, b})
	if fp3 == fp1 {
		t.Error("fingerprint did not change with monitor geometry")
	}
}

func TestSelectMonitors(t *testing.T) {
	monitors := []MonitorInfo{
		{ID: "display-0-1920x1080"},
		{ID: "display-1-2560x1440"},
	}

	if got := SelectMonitors(monitors, nil); len(got) != 2 {
		t.Errorf("empty allowlist filtered monitors: got %d", len(got))
	}
	got := SelectMonitors(monitors, []string{" display-1-2560x1440 "})
	if len(got) != 1 || got[0].ID != "display-1-2560x1440" {
		t.Errorf("allowlist selection = %v", got)
	}
	if got := SelectMonitors(monitors, []string{"display-9-0x0"}); len(got) != 0 {
		t.Errorf("unknown allowlist entry matched %d monitors", len(got))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{NewError(CodeNoDisplays, errors.New("none")), CodeNoDisplays},
		{fmt.Errorf("wrap: %w", NewError(CodeStartTimeout, errors.New("slow"))), CodeStartTimeout},
		{errors.New("org.freedesktop.DBus.Error.AccessDenied: permission denied"), CodePermissionDenied},
		{errors.New("context deadline exceeded"), CodeStartTimeout},
		{errors.New("something else"), CodeUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestPixelFormatProfile(t *testing.T) {
	profile := PixelFormatProfile{PixelFormat: "bgra", Width: 1920, Height: 1080, FPS: 1, ColorRange: "pc", Colorspace: "srgb"}
	if !profile.Valid() {
		t.Error("complete profile reported invalid")
	}
	if (PixelFormatProfile{Width: 1920, Height: 1080, FPS: 1}).Valid() {
		t.Error("profile without pixel format reported valid")
	}
	other := profile
	other.Width = 1280
	if profile.Equal(other) {
		t.Error("profiles with different widths reported equal")
	}
	if !profile.Equal(profile) {
		t.Error("profile not equal to itself")
	}
}

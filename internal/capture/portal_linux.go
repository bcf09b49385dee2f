//go:build linux

package capture

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"retrace/internal/logging"
)

const (
	portalDest        = "org.freedesktop.portal.Desktop"
	portalPath        = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	screenCastIface   = "org.freedesktop.portal.ScreenCast"
	requestIface      = "org.freedesktop.portal.Request"
	sessionIface      = "org.freedesktop.portal.Session"
	sourceTypeMonitor = uint32(1)
	cursorEmbedded    = uint32(2)
	persistRunning    = uint32(1)
)

const portalRequestTimeout = 30 * time.Second

type portalStream struct {
	NodeID uint32
	Width  int
	Height int
	ID     string
}

// portalProvider negotiates one ScreenCast session with the desktop portal
// and exposes its streams as monitors. Frame delivery per monitor runs over
// PipeWire via a gstreamer appsink pipeline.
type portalProvider struct {
	logger *slog.Logger

	mu      sync.Mutex
	conn    *dbus.Conn
	session dbus.ObjectPath
	streams []portalStream
	fd      int
}

// newPortalProvider returns nil when no session bus is reachable, letting
// the factory fall through to the polling backend.
func newPortalProvider(logger *slog.Logger) *portalProvider {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil
	}
	var owner string
	if err := conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, portalDest).Store(&owner); err != nil || owner == "" {
		return nil
	}
	return &portalProvider{
		logger: logging.NewComponentLogger(logger, "portal"),
		conn:   conn,
		fd:     -1,
	}
}

func (p *portalProvider) Backend() Backend { return BackendPortal }

func (p *portalProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSessionLocked()
}

func (p *portalProvider) closeSessionLocked() {
	if p.session != "" {
		obj := p.conn.Object(portalDest, p.session)
		_ = obj.Call(sessionIface+".Close", 0).Err
		p.session = ""
	}
	p.streams = nil
	p.fd = -1
}

// Monitors negotiates the portal session on first use and maps each granted
// stream to a MonitorInfo. A lost session is renegotiated on the next call.
func (p *portalProvider) Monitors(ctx context.Context) ([]MonitorInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == "" {
		if err := p.negotiateLocked(ctx); err != nil {
			p.closeSessionLocked()
			return nil, err
		}
	}

	monitors := make([]MonitorInfo, 0, len(p.streams))
	for i, stream := range p.streams {
		id := stream.ID
		if id == "" {
			id = fmt.Sprintf("pw-%d", stream.NodeID)
		}
		monitors = append(monitors, MonitorInfo{
			ID:          id,
			Name:        fmt.Sprintf("Portal stream %d", stream.NodeID),
			Width:       stream.Width,
			Height:      stream.Height,
			Primary:     i == 0,
			Backend:     string(BackendPortal),
			SourceIndex: i,
		})
	}
	fingerprint := TopologyFingerprint(monitors)
	for i := range monitors {
		monitors[i].Fingerprint = fingerprint
	}
	return monitors, nil
}

func (p *portalProvider) NewSource(monitor MonitorInfo, fps int, handler FrameHandler) (MonitorSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == "" || p.fd < 0 {
		return nil, NewError(CodeStreamStartFailed, errors.New("portal session not negotiated"))
	}

	var stream *portalStream
	for i := range p.streams {
		id := p.streams[i].ID
		if id == "" {
			id = fmt.Sprintf("pw-%d", p.streams[i].NodeID)
		}
		if id == monitor.ID {
			stream = &p.streams[i]
			break
		}
	}
	if stream == nil && monitor.SourceIndex < len(p.streams) {
		p.logger.Warn("portal stream id drifted, using source index fallback",
			logging.String(logging.FieldMonitorID, monitor.ID),
			logging.Int("source_index", monitor.SourceIndex),
			logging.String(logging.FieldEventType, "monitor_index_fallback"),
		)
		stream = &p.streams[monitor.SourceIndex]
	}
	if stream == nil {
		return nil, NewError(CodeDisplayNotFound, fmt.Errorf("no portal stream for monitor %s", monitor.ID))
	}

	return newPipewireSource(p.fd, stream.NodeID, monitor, fps, handler, p.logger), nil
}

// negotiateLocked runs the CreateSession → SelectSources → Start →
// OpenPipeWireRemote sequence against the desktop portal.
func (p *portalProvider) negotiateLocked(ctx context.Context) error {
	token := requestToken()
	obj := p.conn.Object(portalDest, portalPath)

	// CreateSession
	results, err := p.portalCall(ctx, obj, screenCastIface+".CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token + "c"),
		"session_handle_token": dbus.MakeVariant(token),
	})
	if err != nil {
		return err
	}
	sessionHandle, ok := results["session_handle"]
	if !ok {
		return NewError(CodeStreamStartFailed, errors.New("portal returned no session handle"))
	}
	handleStr, _ := sessionHandle.Value().(string)
	p.session = dbus.ObjectPath(handleStr)

	// SelectSources: monitors only, all of them, cursor burned in.
	if _, err := p.portalCall(ctx, obj, screenCastIface+".SelectSources", p.session, map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token + "s"),
		"types":        dbus.MakeVariant(sourceTypeMonitor),
		"multiple":     dbus.MakeVariant(true),
		"cursor_mode":  dbus.MakeVariant(cursorEmbedded),
		"persist_mode": dbus.MakeVariant(persistRunning),
	}); err != nil {
		return err
	}

	// Start: the compositor may prompt the user here.
	results, err = p.portalCall(ctx, obj, screenCastIface+".Start", p.session, "", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token + "r"),
	})
	if err != nil {
		return err
	}

	streams, err := parsePortalStreams(results)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return NewError(CodeNoDisplays, errors.New("portal session granted no streams"))
	}
	p.streams = streams

	// OpenPipeWireRemote is a plain call, no request object involved.
	var fd dbus.UnixFD
	call := obj.Call(screenCastIface+".OpenPipeWireRemote", 0, p.session, map[string]dbus.Variant{})
	if call.Err != nil {
		return NewError(CodeStreamStartFailed, fmt.Errorf("open pipewire remote: %w", call.Err))
	}
	if err := call.Store(&fd); err != nil {
		return NewError(CodeStreamStartFailed, fmt.Errorf("decode pipewire fd: %w", err))
	}
	p.fd = int(fd)

	p.logger.Info("portal session negotiated",
		logging.Int("streams", len(p.streams)),
		logging.String(logging.FieldEventType, "portal_session_started"),
	)
	return nil
}

// portalCall invokes a portal method that answers through a Request object
// and waits for its Response signal.
func (p *portalProvider) portalCall(ctx context.Context, obj dbus.BusObject, method string, args ...any) (map[string]dbus.Variant, error) {
	signals := make(chan *dbus.Signal, 16)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	); err != nil {
		return nil, NewError(CodeUnknown, fmt.Errorf("subscribe portal responses: %w", err))
	}
	defer func() {
		_ = p.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(requestIface),
			dbus.WithMatchMember("Response"),
		)
	}()

	call := obj.Call(method, 0, args...)
	if call.Err != nil {
		return nil, NewError(CodeStreamStartFailed, fmt.Errorf("%s: %w", method, call.Err))
	}
	var requestPath dbus.ObjectPath
	if err := call.Store(&requestPath); err != nil {
		return nil, NewError(CodeStreamStartFailed, fmt.Errorf("decode request path: %w", err))
	}

	timeout := time.NewTimer(portalRequestTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, NewError(CodeStartTimeout, ctx.Err())
		case <-timeout.C:
			return nil, NewError(CodeStartTimeout, fmt.Errorf("%s: no portal response within %s", method, portalRequestTimeout))
		case signal, ok := <-signals:
			if !ok {
				return nil, NewError(CodeStreamStartFailed, errors.New("portal signal channel closed"))
			}
			if signal.Path != requestPath || len(signal.Body) != 2 {
				continue
			}
			status, _ := signal.Body[0].(uint32)
			results, _ := signal.Body[1].(map[string]dbus.Variant)
			if status != 0 {
				// The user (or a policy) refused the cast.
				return nil, NewError(CodePermissionDenied, fmt.Errorf("%s: portal request denied (status %d)", method, status))
			}
			return results, nil
		}
	}
}

func parsePortalStreams(results map[string]dbus.Variant) ([]portalStream, error) {
	raw, ok := results["streams"]
	if !ok {
		return nil, nil
	}

	var entries [][]any
	switch value := raw.Value().(type) {
	case [][]any:
		entries = value
	case []any:
		for _, item := range value {
			if entry, ok := item.([]any); ok {
				entries = append(entries, entry)
			}
		}
	default:
		return nil, NewError(CodeStreamStartFailed, fmt.Errorf("unexpected streams payload %T", raw.Value()))
	}

	streams := make([]portalStream, 0, len(entries))
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		stream := portalStream{}
		if node, ok := entry[0].(uint32); ok {
			stream.NodeID = node
		}
		if props, ok := entry[1].(map[string]dbus.Variant); ok {
			if size, ok := props["size"]; ok {
				if dims, ok := size.Value().([]any); ok && len(dims) == 2 {
					if w, ok := dims[0].(int32); ok {
						stream.Width = int(w)
					}
					if h, ok := dims[1].(int32); ok {
						stream.Height = int(h)
					}
				}
			}
			if id, ok := props["id"]; ok {
				if s, ok := id.Value().(string); ok {
					stream.ID = s
				}
			}
		}
		streams = append(streams, stream)
	}
	return streams, nil
}

func requestToken() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return "retrace" + hex.EncodeToString(buf[:])
}

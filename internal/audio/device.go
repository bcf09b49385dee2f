package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// captureHandle is one open audio capture stream.
type captureHandle interface {
	Start() error
	Close()
}

// deviceOpener opens capture streams. Tests substitute a fake; production
// uses miniaudio through malgo.
type deviceOpener interface {
	// Open starts delivering PCM (16-bit little-endian interleaved) to
	// onPCM and returns the handle plus the resolved device name.
	Open(name string, sampleRate, channels int, onPCM func([]byte)) (captureHandle, string, error)
	// List names the available capture devices.
	List() ([]string, error)
	Close()
}

type malgoOpener struct {
	ctx *malgo.AllocatedContext
}

func newMalgoOpener() (*malgoOpener, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoOpener{ctx: ctx}, nil
}

func (o *malgoOpener) List() ([]string, error) {
	infos, err := o.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (o *malgoOpener) Open(name string, sampleRate, channels int, onPCM func([]byte)) (captureHandle, string, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)

	resolved := name
	if name != "" {
		infos, err := o.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, "", fmt.Errorf("enumerate capture devices: %w", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == name {
				id := infos[i].ID.Pointer()
				deviceConfig.Capture.DeviceID = id
				found = true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("capture device %q not found", name)
		}
	} else {
		resolved = "default"
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) > 0 {
				onPCM(input)
			}
		},
	}
	device, err := malgo.InitDevice(o.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, "", fmt.Errorf("open capture device %q: %w", resolved, err)
	}
	return &malgoHandle{device: device}, resolved, nil
}

func (o *malgoOpener) Close() {
	_ = o.ctx.Uninit()
	o.ctx.Free()
}

type malgoHandle struct {
	device *malgo.Device
}

func (h *malgoHandle) Start() error {
	if err := h.device.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

func (h *malgoHandle) Close() {
	h.device.Uninit()
}

package media

import (
	"context"
	"sync"
)

// Kind mirrors the browser's MediaDeviceKind values.
type Kind string

const (
	KindAudioInput Kind = "audioinput"
	KindVideoInput Kind = "videoinput"
)

// Device is one enumerable media input, as reported by the UI layer.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// DeviceLister enumerates the media devices currently available. Enumeration
// happens in the browser; the daemon only sees the reported snapshot.
type DeviceLister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Pick resolves a preferred device ID to a concrete device of the given kind.
// It falls back to the first available device, and returns nil when muted or
// when no device of the kind exists, which starts the call muted.
func Pick(devices []Device, kind Kind, preferredID string, muted bool) *Device {
	if muted {
		return nil
	}
	var first *Device
	for i := range devices {
		d := &devices[i]
		if d.Kind != kind {
			continue
		}
		if d.ID == preferredID {
			return d
		}
		if first == nil {
			first = d
		}
	}
	return first
}

// Registry is a DeviceLister fed by the sync bridge.
type Registry struct {
	mu      sync.RWMutex
	devices []Device
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Update(devices []Device) {
	r.mu.Lock()
	r.devices = append([]Device(nil), devices...)
	r.mu.Unlock()
}

func (r *Registry) Devices(ctx context.Context) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Device(nil), r.devices...), nil
}

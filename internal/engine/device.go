package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dokzlo13/shellyd/internal/shelly"
)

// DeviceSpec is one configured device, fixed for the process lifetime.
type DeviceSpec struct {
	Host     string
	Name     string
	Channels [4]bool
}

// Device is the tracked view of one configured device. Mutated only by
// the reconciler and poller, under the state lock.
type Device struct {
	Host     string
	Name     string
	Channels [4]bool

	Profile    shelly.Profile
	Info       shelly.DeviceInfo
	Discovered bool
}

func (d *Device) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Info.ID != "" {
		return d.Info.ID
	}
	return d.Host
}

// descriptors derives the accessory set the device's current profile
// calls for. Under the light profile only channels with their visibility
// flag set are exposed; rgb and rgbw expose exactly one accessory at
// channel 0. An undiscovered device yields nothing.
func (d *Device) descriptors() []Descriptor {
	name := d.displayName()

	switch d.Profile {
	case shelly.ProfileLight:
		var descs []Descriptor
		for ch, visible := range d.Channels {
			if !visible {
				continue
			}
			descs = append(descs, Descriptor{
				Host:    d.Host,
				Kind:    KindLight,
				Channel: ch,
				Name:    fmt.Sprintf("%s Channel %d", name, ch+1),
			})
		}
		return descs
	case shelly.ProfileRGB:
		return []Descriptor{{Host: d.Host, Kind: KindRGB, Channel: 0, Name: name}}
	case shelly.ProfileRGBW:
		return []Descriptor{{Host: d.Host, Kind: KindRGBW, Channel: 0, Name: name}}
	default:
		return nil
	}
}

// DeviceClient is the per-device RPC surface the engine consumes.
// *shelly.Client satisfies it; tests substitute fakes.
type DeviceClient interface {
	Host() string
	GetStatus(ctx context.Context) (shelly.Status, error)
	GetDeviceInfo(ctx context.Context) (shelly.DeviceInfo, error)
	SetLight(ctx context.Context, params shelly.LightSetParams) error
	SetRGB(ctx context.Context, params shelly.RGBSetParams) error
	SetRGBW(ctx context.Context, params shelly.RGBWSetParams) error
}

// State is the shared container for devices and accessories. One
// top-level coordinator owns it and hands it to the components; nothing
// reaches it as a global.
type State struct {
	mu          sync.Mutex
	devices     map[string]*Device
	accessories map[string]*Accessory
}

func newState(specs []DeviceSpec) *State {
	st := &State{
		devices:     make(map[string]*Device, len(specs)),
		accessories: make(map[string]*Accessory),
	}
	for _, spec := range specs {
		st.devices[spec.Host] = &Device{
			Host:     spec.Host,
			Name:     spec.Name,
			Channels: spec.Channels,
			Profile:  shelly.ProfileUnknown,
		}
	}
	return st
}

// AccessorySnapshot returns a copy of an accessory's current record.
func (st *State) AccessorySnapshot(token string) (Accessory, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	acc, ok := st.accessories[token]
	if !ok {
		return Accessory{}, false
	}
	return *acc, true
}

// AccessoryTokens lists the identity tokens of all tracked accessories.
func (st *State) AccessoryTokens() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	tokens := make([]string, 0, len(st.accessories))
	for token := range st.accessories {
		tokens = append(tokens, token)
	}
	return tokens
}

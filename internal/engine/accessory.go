package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/dokzlo13/shellyd/internal/bridge"
)

// Kind selects the status schema and Set method an accessory speaks.
type Kind string

const (
	KindLight Kind = "light"
	KindRGB   Kind = "rgb"
	KindRGBW  Kind = "rgbw"
)

func (k Kind) valid() bool {
	switch k {
	case KindLight, KindRGB, KindRGBW:
		return true
	}
	return false
}

// Descriptor describes one accessory that should exist for a device's
// current profile. Descriptors are derived on every topology refresh and
// never persisted; accessories are matched to them by identity token.
type Descriptor struct {
	Host    string
	Kind    Kind
	Channel int
	Name    string
}

// Token derives the accessory's stable identity from (host, kind,
// channel). It must not change across process restarts, so persisted
// contexts and retained bridge registrations keep matching.
func (d Descriptor) Token() string {
	return Token(d.Host, d.Kind, d.Channel)
}

// Token is the deterministic identity derivation shared by descriptors
// and restored accessories.
func Token(host string, kind Kind, channel int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", host, kind, channel)))
	return hex.EncodeToString(sum[:])
}

// Accessory is one exposed light endpoint with its cached state.
type Accessory struct {
	Token   string
	Host    string
	Kind    Kind
	Channel int
	Name    string
	State   bridge.LightState
}

func (a *Accessory) context() bridge.Context {
	return bridge.Context{
		Name:    a.Name,
		Host:    a.Host,
		Kind:    string(a.Kind),
		Channel: a.Channel,
		State:   a.State,
	}
}

// defaultState is the state a freshly registered accessory starts with:
// off, but at full brightness so the first "on" is visible.
func defaultState() bridge.LightState {
	return bridge.LightState{On: false, Brightness: 100, Hue: 0, Saturation: 0}
}

// clampValue clamps v into [lo,hi]. Non-finite input maps to the lower
// bound.
func clampValue(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampState(st bridge.LightState) bridge.LightState {
	st.Brightness = clampValue(st.Brightness, 0, 100)
	st.Hue = clampValue(st.Hue, 0, 360)
	st.Saturation = clampValue(st.Saturation, 0, 100)
	return st
}

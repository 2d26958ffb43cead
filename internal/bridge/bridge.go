// Package bridge defines the narrow surface the engine uses to expose
// accessories to a home-automation frontend. The engine never depends on
// a concrete transport; implementations live elsewhere (MQTT in
// production, an in-memory fake in tests).
package bridge

// Characteristic names a single exposed accessory value.
type Characteristic string

const (
	CharOn         Characteristic = "on"
	CharBrightness Characteristic = "brightness"
	CharHue        Characteristic = "hue"
	CharSaturation Characteristic = "saturation"
)

// LightState is the cached state of one accessory. Brightness and
// saturation are percent, hue is degrees. Turning an accessory off keeps
// the last brightness/hue/saturation for the next "on".
type LightState struct {
	On         bool    `json:"on"`
	Brightness float64 `json:"brightness"`
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
}

// Context is the per-accessory record a bridge persists across restarts.
// It is enough to rebuild the accessory without re-discovering its device.
type Context struct {
	Name    string     `json:"name"`
	Host    string     `json:"host"`
	Kind    string     `json:"kind"`
	Channel int        `json:"channel"`
	State   LightState `json:"state"`
}

// Bridge is the host-bridge registry consumed by the engine. Accessories
// are keyed by their stable identity token.
type Bridge interface {
	// Register exposes an accessory, or updates its display name and
	// context if the token is already registered.
	Register(token string, ctx Context) error

	// Unregister removes an accessory and its persisted context.
	Unregister(token string) error

	// Push publishes one changed characteristic value outward and folds
	// it into the persisted context.
	Push(token string, char Characteristic, value any)

	// Contexts returns all persisted accessory records, keyed by token.
	Contexts() (map[string]Context, error)
}

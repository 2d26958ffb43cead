package mqttbridge

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dokzlo13/shellyd/internal/bridge"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/shellyd_ab12cd34ef56/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
}

// haDiscovery is the HA light discovery payload, json schema.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Schema              string   `json:"schema"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Device              haDevice `json:"device"`
}

// nodeID derives the discovery node id from the identity token.
func nodeID(token string) string {
	if len(token) > 12 {
		token = token[:12]
	}
	return "shellyd_" + token
}

func stateTopic(prefix, token string) string {
	return prefix + "/" + nodeID(token)
}

func commandTopic(prefix, token string) string {
	return stateTopic(prefix, token) + "/set"
}

func discoveryTopic(token string) string {
	return fmt.Sprintf("homeassistant/light/%s/light/config", nodeID(token))
}

// buildDiscovery generates the HA discovery message for an accessory.
// Color-capable kinds announce hue/saturation support; plain light
// channels announce brightness only.
func buildDiscovery(token string, ctx bridge.Context, prefix string) discoveryMsg {
	id := nodeID(token)

	colorModes := []string{"brightness"}
	if ctx.Kind == "rgb" || ctx.Kind == "rgbw" {
		colorModes = []string{"hs"}
	}

	payload := haDiscovery{
		Name:                ctx.Name,
		UniqueID:            id + "_light",
		StateTopic:          stateTopic(prefix, token),
		CommandTopic:        commandTopic(prefix, token),
		AvailabilityTopic:   prefix + "/bridge/state",
		Schema:              "json",
		Brightness:          true,
		BrightnessScale:     100,
		SupportedColorModes: colorModes,
		Device: haDevice{
			Identifiers: []string{id},
			Model:       ctx.Kind,
			Name:        ctx.Name,
		},
	}
	return discoveryMsg{Topic: discoveryTopic(token), Payload: mustJSON(payload)}
}

// wireState is the json-schema state payload shared by publishes and
// received commands.
type wireState struct {
	State      string     `json:"state"`
	Brightness *float64   `json:"brightness,omitempty"`
	ColorMode  string     `json:"color_mode,omitempty"`
	Color      *wireColor `json:"color,omitempty"`
}

type wireColor struct {
	H *float64 `json:"h"`
	S *float64 `json:"s"`
}

func buildStatePayload(st bridge.LightState) []byte {
	state := "OFF"
	if st.On {
		state = "ON"
	}
	brightness := math.Round(st.Brightness)
	return mustJSON(wireState{
		State:      state,
		Brightness: &brightness,
		ColorMode:  "hs",
		Color:      &wireColor{H: &st.Hue, S: &st.Saturation},
	})
}

// command is a parsed write request from the frontend.
type command struct {
	On         *bool
	Brightness *float64
	Hue        *float64
	Saturation *float64
}

func parseCommand(payload []byte) (command, error) {
	var wire wireState
	if err := json.Unmarshal(payload, &wire); err != nil {
		return command{}, fmt.Errorf("invalid command JSON: %w", err)
	}

	var cmd command
	switch wire.State {
	case "ON":
		cmd.On = ptr(true)
	case "OFF":
		cmd.On = ptr(false)
	case "":
	default:
		return command{}, fmt.Errorf("unrecognized state %q", wire.State)
	}
	cmd.Brightness = wire.Brightness
	if wire.Color != nil {
		cmd.Hue = wire.Color.H
		cmd.Saturation = wire.Color.S
	}
	return cmd, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func ptr[T any](v T) *T {
	return &v
}

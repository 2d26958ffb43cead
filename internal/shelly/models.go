package shelly

import (
	"encoding/json"
	"strings"
)

// Profile is the device's configured operating mode. It decides which
// status keys and Set methods apply.
type Profile string

const (
	ProfileLight   Profile = "light"
	ProfileRGB     Profile = "rgb"
	ProfileRGBW    Profile = "rgbw"
	ProfileUnknown Profile = "unknown"
)

// Status is a Shelly.GetStatus payload: component keys ("light:0",
// "rgbw:0", ...) mapped to their raw sub-objects. Components we don't
// consume stay undecoded.
type Status map[string]json.RawMessage

// DeviceInfo is the Shelly.GetDeviceInfo payload.
type DeviceInfo struct {
	ID      string `json:"id"`
	MAC     string `json:"mac"`
	Model   string `json:"model"`
	Gen     int    `json:"gen"`
	FW      string `json:"fw_id"`
	Version string `json:"ver"`
	App     string `json:"app"`
	Profile string `json:"profile"`
}

// LightStatus is the "light:<n>" component of a status snapshot.
type LightStatus struct {
	Output     bool     `json:"output"`
	Brightness *float64 `json:"brightness"`
}

// RGBStatus is the "rgb:0" component of a status snapshot.
type RGBStatus struct {
	Output     bool     `json:"output"`
	Brightness *float64 `json:"brightness"`
	RGB        []int    `json:"rgb"`
}

// RGBWStatus is the "rgbw:0" component of a status snapshot.
type RGBWStatus struct {
	Output     bool     `json:"output"`
	Brightness *float64 `json:"brightness"`
	RGB        []int    `json:"rgb"`
	White      *int     `json:"white"`
}

// LightSetParams are the parameters of Light.Set.
type LightSetParams struct {
	ID         int      `json:"id"`
	On         *bool    `json:"on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
}

// RGBSetParams are the parameters of RGB.Set.
type RGBSetParams struct {
	ID         int      `json:"id"`
	On         *bool    `json:"on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	RGB        *[3]int  `json:"rgb,omitempty"`
}

// RGBWSetParams are the parameters of RGBW.Set.
type RGBWSetParams struct {
	ID         int      `json:"id"`
	On         *bool    `json:"on,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	RGB        *[3]int  `json:"rgb,omitempty"`
	White      *int     `json:"white,omitempty"`
}

// NormalizeHost strips scheme, trailing slashes and surrounding
// whitespace from a configured device address, so the same device
// written two ways dedupes to one entry.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimRight(host, "/")
	return host
}

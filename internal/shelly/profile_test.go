package shelly

import (
	"encoding/json"
	"testing"
)

func statusWithKeys(keys ...string) Status {
	s := make(Status, len(keys))
	for _, k := range keys {
		s[k] = json.RawMessage(`{}`)
	}
	return s
}

func TestDetectProfile(t *testing.T) {
	tests := []struct {
		name    string
		status  Status
		hint    string
		want    Profile
		wantErr bool
	}{
		{"light_component", statusWithKeys("light:0", "sys", "wifi"), "", ProfileLight, false},
		{"all_light_channels", statusWithKeys("light:0", "light:1", "light:2", "light:3"), "", ProfileLight, false},
		{"rgbw_component", statusWithKeys("rgbw:0", "sys"), "", ProfileRGBW, false},
		{"rgb_component", statusWithKeys("rgb:0", "sys"), "", ProfileRGB, false},
		{"light_beats_rgbw", statusWithKeys("light:2", "rgbw:0"), "", ProfileLight, false},
		{"rgbw_beats_rgb", statusWithKeys("rgbw:0", "rgb:0"), "", ProfileRGBW, false},
		{"no_component_no_hint", statusWithKeys("sys", "wifi"), "", ProfileUnknown, true},
		{"hint_wins", statusWithKeys("light:0"), "rgbw", ProfileRGBW, false},
		{"hint_case_insensitive", statusWithKeys("sys"), " RGB ", ProfileRGB, false},
		{"invalid_hint_falls_through", statusWithKeys("rgb:0"), "disco", ProfileRGB, false},
		{"empty_status_with_hint", Status{}, "light", ProfileLight, false},
		{"nil_status_no_hint", nil, "", ProfileUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectProfile(tt.status, tt.hint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DetectProfile() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectProfile() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectProfile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.40", "192.168.1.40"},
		{"http://192.168.1.40", "192.168.1.40"},
		{"https://192.168.1.40/", "192.168.1.40"},
		{"  shelly-kitchen.local/  ", "shelly-kitchen.local"},
	}

	for _, tt := range tests {
		if got := NormalizeHost(tt.in); got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

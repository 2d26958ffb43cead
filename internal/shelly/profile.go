package shelly

import (
	"fmt"
	"strings"
)

// DetectProfile classifies a status snapshot into an operating profile.
//
// A valid explicit hint from device metadata wins unconditionally.
// Otherwise the snapshot keys decide: any "light:" component means the
// device runs split light channels, "rgbw:0" means the combined rgbw
// profile, "rgb:0" the rgb profile. Detection is a pure function of its
// inputs; profile drift is found by comparing successive results.
func DetectProfile(status Status, hint string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(hint))) {
	case ProfileLight:
		return ProfileLight, nil
	case ProfileRGB:
		return ProfileRGB, nil
	case ProfileRGBW:
		return ProfileRGBW, nil
	}

	for key := range status {
		if strings.HasPrefix(key, "light:") {
			return ProfileLight, nil
		}
	}
	if _, ok := status["rgbw:0"]; ok {
		return ProfileRGBW, nil
	}
	if _, ok := status["rgb:0"]; ok {
		return ProfileRGB, nil
	}

	return ProfileUnknown, fmt.Errorf("cannot determine device profile from status keys")
}

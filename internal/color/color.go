// Package color converts between the hue/saturation/value space used by
// home-automation frontends and the RGB channel values Shelly devices accept.
package color

import "math"

// HSVToRGB converts hue (degrees), saturation and value (both percent)
// to 8-bit RGB channel values. Hue wraps into [0,360), saturation and
// value are clamped into [0,100].
func HSVToRGB(h, s, v float64) (uint8, uint8, uint8) {
	h = wrapHue(h)
	s = clamp(s, 0, 100) / 100
	v = clamp(v, 0, 100) / 100

	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	return toByte(r + m), toByte(g + m), toByte(b + m)
}

// RGBToHSV converts 8-bit RGB channel values to hue (degrees, [0,360)),
// saturation and value (both percent).
func RGBToHSV(r, g, b uint8) (float64, float64, float64) {
	rf := float64(r) / 255
	gf := float64(g) / 255
	bf := float64(b) / 255

	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var h float64
	switch {
	case delta == 0:
		h = 0
	case max == rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	h = wrapHue(h)

	var s float64
	if max > 0 {
		s = delta / max * 100
	}
	v := max * 100

	return h, s, v
}

// wrapHue normalizes a hue angle into [0,360).
func wrapHue(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toByte(v float64) uint8 {
	scaled := math.Round(v * 255)
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}

package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/color"
	"github.com/dokzlo13/shellyd/internal/shelly"
	"github.com/dokzlo13/shellyd/internal/taskq"
)

// whiteModeSaturation is the saturation at or below which an rgbw
// accessory is driven through its white channel instead of the color
// channels.
const whiteModeSaturation = 1.0

// Commander executes user-issued write intents. Intents for one
// accessory run strictly in submission order with at most one device
// write in flight; a failed intent is logged and the queue moves on.
type Commander struct {
	state   *State
	bridge  bridge.Bridge
	clients map[string]DeviceClient
	queues  *taskq.Queues
}

// SetOn queues an on/off intent.
func (c *Commander) SetOn(token string, on bool) {
	c.submit(token, "set_on", func(ctx context.Context) error {
		return c.execSetOn(ctx, token, on)
	})
}

// SetBrightness queues a brightness intent. Values at or below zero are
// equivalent to turning the accessory off.
func (c *Commander) SetBrightness(token string, v float64) {
	v = clampValue(v, 0, 100)
	c.submit(token, "set_brightness", func(ctx context.Context) error {
		return c.execSetBrightness(ctx, token, v)
	})
}

// SetHue queues a hue intent. While the accessory is off the value is
// only cached for the next "on".
func (c *Commander) SetHue(token string, v float64) {
	v = clampValue(v, 0, 360)
	c.submit(token, "set_hue", func(ctx context.Context) error {
		return c.execSetColorValue(ctx, token, func(st *bridge.LightState) { st.Hue = v })
	})
}

// SetSaturation queues a saturation intent. Same caching rule as SetHue.
func (c *Commander) SetSaturation(token string, v float64) {
	v = clampValue(v, 0, 100)
	c.submit(token, "set_saturation", func(ctx context.Context) error {
		return c.execSetColorValue(ctx, token, func(st *bridge.LightState) { st.Saturation = v })
	})
}

func (c *Commander) submit(token, intent string, exec func(ctx context.Context) error) {
	c.queues.Submit(token, func(ctx context.Context) {
		if err := exec(ctx); err != nil {
			// Cached state stays untouched; the next poll or retry
			// corrects the frontend.
			log.Warn().Err(err).Str("accessory", token).Str("intent", intent).Msg("Write intent failed")
		}
	})
}

// snapshot resolves an accessory and its device client. Both lookups
// failing is an invariant violation surfaced to the caller.
func (c *Commander) snapshot(token string) (Accessory, DeviceClient, error) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	acc := c.state.accessories[token]
	if acc == nil {
		return Accessory{}, nil, fmt.Errorf("unknown accessory %s", token)
	}
	client := c.clients[acc.Host]
	if client == nil {
		return Accessory{}, nil, fmt.Errorf("accessory %s has no resolvable device %s", token, acc.Host)
	}
	return *acc, client, nil
}

// commit stores the intended state and re-pushes it outward, so a read
// right after a write reflects the write without waiting for a poll.
func (c *Commander) commit(token string, st bridge.LightState) {
	c.state.mu.Lock()
	if acc := c.state.accessories[token]; acc != nil {
		acc.State = st
	}
	c.state.mu.Unlock()

	c.bridge.Push(token, bridge.CharOn, st.On)
	c.bridge.Push(token, bridge.CharBrightness, st.Brightness)
	c.bridge.Push(token, bridge.CharHue, st.Hue)
	c.bridge.Push(token, bridge.CharSaturation, st.Saturation)
}

func (c *Commander) execSetOn(ctx context.Context, token string, on bool) error {
	acc, client, err := c.snapshot(token)
	if err != nil {
		return err
	}

	next := acc.State
	next.On = on

	if !on {
		if err := sendOff(ctx, client, acc.Kind, acc.Channel); err != nil {
			return err
		}
		c.commit(token, next)
		return nil
	}

	switch acc.Kind {
	case KindLight:
		params := shelly.LightSetParams{ID: acc.Channel, On: ptr(true)}
		if next.Brightness <= 0 {
			// Turning "on" a fully dimmed channel must be visible.
			next.Brightness = 100
			params.Brightness = ptr(100.0)
		}
		if err := client.SetLight(ctx, params); err != nil {
			return err
		}
	case KindRGB, KindRGBW:
		if err := sendColorSet(ctx, client, acc.Kind, next); err != nil {
			return err
		}
	default:
		return fmt.Errorf("accessory %s has unrecognized kind %q", token, acc.Kind)
	}

	c.commit(token, next)
	return nil
}

func (c *Commander) execSetBrightness(ctx context.Context, token string, v float64) error {
	acc, client, err := c.snapshot(token)
	if err != nil {
		return err
	}

	next := acc.State

	if v <= 0 {
		next.On = false
		next.Brightness = 0
		if err := sendOff(ctx, client, acc.Kind, acc.Channel); err != nil {
			return err
		}
		c.commit(token, next)
		return nil
	}

	next.On = true
	next.Brightness = v

	switch acc.Kind {
	case KindLight:
		params := shelly.LightSetParams{ID: acc.Channel, On: ptr(true), Brightness: ptr(v)}
		if err := client.SetLight(ctx, params); err != nil {
			return err
		}
	case KindRGB, KindRGBW:
		if err := sendColorSet(ctx, client, acc.Kind, next); err != nil {
			return err
		}
	default:
		return fmt.Errorf("accessory %s has unrecognized kind %q", token, acc.Kind)
	}

	c.commit(token, next)
	return nil
}

func (c *Commander) execSetColorValue(ctx context.Context, token string, apply func(*bridge.LightState)) error {
	acc, client, err := c.snapshot(token)
	if err != nil {
		return err
	}

	next := acc.State
	apply(&next)

	// Light channels carry no color; off accessories only cache the
	// value for the next "on". Neither sends a device write.
	if acc.Kind == KindLight || !next.On {
		c.commit(token, next)
		return nil
	}

	if err := sendColorSet(ctx, client, acc.Kind, next); err != nil {
		return err
	}
	c.commit(token, next)
	return nil
}

func sendOff(ctx context.Context, client DeviceClient, kind Kind, channel int) error {
	off := ptr(false)
	switch kind {
	case KindLight:
		return client.SetLight(ctx, shelly.LightSetParams{ID: channel, On: off})
	case KindRGB:
		return client.SetRGB(ctx, shelly.RGBSetParams{ID: 0, On: off})
	case KindRGBW:
		return client.SetRGBW(ctx, shelly.RGBWSetParams{ID: 0, On: off})
	default:
		return fmt.Errorf("unrecognized kind %q", kind)
	}
}

// sendColorSet builds and sends the full color-set payload for rgb/rgbw
// accessories.
func sendColorSet(ctx context.Context, client DeviceClient, kind Kind, st bridge.LightState) error {
	rgb, white, brightness := colorSetPayload(kind, st)
	on := ptr(true)

	switch kind {
	case KindRGB:
		return client.SetRGB(ctx, shelly.RGBSetParams{ID: 0, On: on, Brightness: ptr(brightness), RGB: &rgb})
	case KindRGBW:
		return client.SetRGBW(ctx, shelly.RGBWSetParams{ID: 0, On: on, Brightness: ptr(brightness), RGB: &rgb, White: ptr(white)})
	default:
		return fmt.Errorf("unrecognized color kind %q", kind)
	}
}

// colorSetPayload derives the channel values for a color-set write. The
// device is never sent brightness 0 while being turned on; at the
// protocol level that would be indistinguishable from off. An rgbw
// accessory at or below the white-mode saturation threshold drives its
// white channel and zeroes the color channels.
func colorSetPayload(kind Kind, st bridge.LightState) (rgb [3]int, white int, brightness float64) {
	brightness = clampValue(st.Brightness, 0, 100)
	if brightness < 1 {
		brightness = 1
	}

	if kind == KindRGBW && st.Saturation <= whiteModeSaturation {
		white = int(math.Round(brightness / 100 * 255))
		return [3]int{0, 0, 0}, white, brightness
	}

	r, g, b := color.HSVToRGB(st.Hue, st.Saturation, brightness)
	return [3]int{int(r), int(g), int(b)}, 0, brightness
}

func ptr[T any](v T) *T {
	return &v
}

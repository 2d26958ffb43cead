package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/color"
	"github.com/dokzlo13/shellyd/internal/shelly"
)

// DefaultPollInterval is how often device status is refreshed.
const DefaultPollInterval = 5 * time.Second

// Poller drives the periodic status refresh. Each cycle fetches every
// device concurrently; a device whose profile drifted is handed to the
// reconciler, all others have their snapshot mapped straight onto their
// accessories.
type Poller struct {
	state      *State
	bridge     bridge.Bridge
	clients    map[string]DeviceClient
	reconciler *Reconciler
	interval   time.Duration

	inFlight atomic.Bool
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Dur("interval", p.interval).Msg("Poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopping")
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce runs a single poll cycle. A tick that fires while the
// previous cycle is still in flight is a no-op, so cycles never overlap.
func (p *Poller) PollOnce(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		log.Debug().Msg("Previous poll cycle still running, skipping tick")
		return
	}
	defer p.inFlight.Store(false)

	var wg sync.WaitGroup
	for host, client := range p.clients {
		wg.Add(1)
		go func(host string, client DeviceClient) {
			defer wg.Done()
			p.pollDevice(ctx, host, client)
		}(host, client)
	}
	wg.Wait()
}

func (p *Poller) pollDevice(ctx context.Context, host string, client DeviceClient) {
	status, err := client.GetStatus(ctx)
	if err != nil {
		// Transport errors are retried implicitly by the next cycle.
		log.Warn().Err(err).Str("device", host).Msg("Status poll failed")
		return
	}

	p.state.mu.Lock()
	dev := p.state.devices[host]
	var cached shelly.Profile
	var discovered bool
	var hint string
	if dev != nil {
		cached = dev.Profile
		discovered = dev.Discovered
		hint = dev.Info.Profile
	}
	p.state.mu.Unlock()

	if dev == nil {
		log.Error().Str("device", host).Msg("Polled device is not configured")
		return
	}

	// Drift detection goes by the snapshot alone: the cached metadata
	// hint would win unconditionally and mask a real profile change. The
	// hint only breaks ties when the snapshot carries no component keys
	// at all. A detected change delegates to the reconciler, which
	// refetches metadata and applies the fresh hint.
	profile, err := shelly.DetectProfile(status, "")
	if err != nil {
		profile, err = shelly.DetectProfile(status, hint)
		if err != nil {
			log.Warn().Err(err).Str("device", host).Msg("Profile detection failed")
			return
		}
	}

	if !discovered || profile != cached {
		// Reuse the snapshot we just fetched; the reconciler re-pushes
		// state after rebuilding the topology.
		if err := p.reconciler.ReconcileDevice(ctx, host, status); err != nil {
			log.Error().Err(err).Str("device", host).Msg("Reconciliation failed")
		}
		return
	}

	applyDeviceStatus(p.state, p.bridge, host, status)
}

// applyDeviceStatus maps a status snapshot onto every accessory of the
// device, merges the result into the cache, and pushes changed fields
// outward.
func applyDeviceStatus(st *State, br bridge.Bridge, host string, status shelly.Status) {
	type change struct {
		token string
		char  bridge.Characteristic
		value any
	}
	var changes []change

	st.mu.Lock()
	for token, acc := range st.accessories {
		if acc.Host != host {
			continue
		}

		next, ok := nextState(acc, status)
		if !ok {
			// No data for this accessory this cycle; cache untouched.
			continue
		}

		prev := acc.State
		acc.State = next

		if next.On != prev.On {
			changes = append(changes, change{token, bridge.CharOn, next.On})
		}
		if next.Brightness != prev.Brightness {
			changes = append(changes, change{token, bridge.CharBrightness, next.Brightness})
		}
		if next.Hue != prev.Hue {
			changes = append(changes, change{token, bridge.CharHue, next.Hue})
		}
		if next.Saturation != prev.Saturation {
			changes = append(changes, change{token, bridge.CharSaturation, next.Saturation})
		}
	}
	st.mu.Unlock()

	for _, c := range changes {
		br.Push(c.token, c.char, c.value)
	}
}

// nextState computes an accessory's state from a snapshot. ok is false
// when the snapshot carries no data for the accessory's component.
func nextState(acc *Accessory, status shelly.Status) (next bridge.LightState, ok bool) {
	next = acc.State

	switch acc.Kind {
	case KindLight:
		raw, present := status[fmt.Sprintf("light:%d", acc.Channel)]
		if !present {
			return next, false
		}
		var ls shelly.LightStatus
		if err := json.Unmarshal(raw, &ls); err != nil {
			log.Warn().Err(err).Str("accessory", acc.Token).Msg("Malformed light component status")
			return next, false
		}
		next.On = ls.Output
		if ls.Brightness != nil {
			next.Brightness = clampValue(*ls.Brightness, 0, 100)
		} else if ls.Output {
			next.Brightness = 100
		} else {
			next.Brightness = 0
		}
		next.Hue = 0
		next.Saturation = 0

	case KindRGB:
		raw, present := status["rgb:0"]
		if !present {
			return next, false
		}
		var rs shelly.RGBStatus
		if err := json.Unmarshal(raw, &rs); err != nil || len(rs.RGB) < 3 {
			log.Warn().Err(err).Str("accessory", acc.Token).Msg("Malformed rgb component status")
			return next, false
		}
		h, s, v := color.RGBToHSV(channelByte(rs.RGB[0]), channelByte(rs.RGB[1]), channelByte(rs.RGB[2]))
		next.On = rs.Output
		next.Hue = math.Round(h)
		next.Saturation = math.Round(s)
		if rs.Brightness != nil {
			next.Brightness = clampValue(*rs.Brightness, 0, 100)
		} else {
			next.Brightness = math.Round(v)
		}

	case KindRGBW:
		raw, present := status["rgbw:0"]
		if !present {
			return next, false
		}
		var ws shelly.RGBWStatus
		if err := json.Unmarshal(raw, &ws); err != nil || len(ws.RGB) < 3 {
			log.Warn().Err(err).Str("accessory", acc.Token).Msg("Malformed rgbw component status")
			return next, false
		}
		white := 0
		if ws.White != nil {
			white = *ws.White
		}
		next.On = ws.Output
		if ws.RGB[0] == 0 && ws.RGB[1] == 0 && ws.RGB[2] == 0 && white > 0 {
			// White mode: the color channels are dark, the white channel
			// carries the level.
			next.Hue = 0
			next.Saturation = 0
			next.Brightness = math.Round(float64(white) / 255 * 100)
		} else {
			h, s, v := color.RGBToHSV(channelByte(ws.RGB[0]), channelByte(ws.RGB[1]), channelByte(ws.RGB[2]))
			next.Hue = math.Round(h)
			next.Saturation = math.Round(s)
			if ws.Brightness != nil {
				next.Brightness = clampValue(*ws.Brightness, 0, 100)
			} else {
				next.Brightness = math.Round(v)
			}
		}
	}

	return next, true
}

func channelByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

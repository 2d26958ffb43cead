package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/shelly"
	"github.com/dokzlo13/shellyd/internal/taskq"
)

// ErrNoDevicesDiscovered is returned by Initialize when not a single
// configured device completed its first discovery. Polling keeps
// running, so the condition can heal on a later cycle.
var ErrNoDevicesDiscovered = errors.New("no devices completed initial discovery")

// Reconciler keeps the set of registered accessories in sync with each
// device's operating profile.
type Reconciler struct {
	state   *State
	bridge  bridge.Bridge
	clients map[string]DeviceClient
	queues  *taskq.Queues
}

// Initialize runs the first discovery for every configured device
// concurrently. A device whose discovery fails is left to the regular
// poll cycle and never blocks the others.
func (r *Reconciler) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	for host := range r.clients {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			if err := r.ReconcileDevice(ctx, host, nil); err != nil {
				log.Warn().Err(err).Str("device", host).Msg("Initial discovery failed, will retry on poll")
			}
		}(host)
	}
	wg.Wait()

	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	for _, dev := range r.state.devices {
		if dev.Discovered {
			return nil
		}
	}
	return ErrNoDevicesDiscovered
}

// ReconcileDevice refreshes one device's profile and rebuilds the global
// accessory topology. A freshly fetched snapshot may be passed in to
// avoid a duplicate status call; nil fetches one.
func (r *Reconciler) ReconcileDevice(ctx context.Context, host string, snapshot shelly.Status) error {
	client := r.clients[host]
	if client == nil {
		return fmt.Errorf("no rpc client for device %s", host)
	}

	if snapshot == nil {
		var err error
		snapshot, err = client.GetStatus(ctx)
		if err != nil {
			return err
		}
	}

	// Metadata failures are non-fatal: profile detection falls back to
	// the snapshot keys.
	info, err := client.GetDeviceInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Str("device", host).Msg("Device info fetch failed, continuing with empty metadata")
		info = shelly.DeviceInfo{}
	}

	profile, err := shelly.DetectProfile(snapshot, info.Profile)
	if err != nil {
		return fmt.Errorf("device %s: %w", host, err)
	}

	r.state.mu.Lock()
	dev := r.state.devices[host]
	if dev == nil {
		r.state.mu.Unlock()
		return fmt.Errorf("device %s is not configured", host)
	}
	if dev.Discovered && dev.Profile != profile {
		log.Info().
			Str("device", host).
			Str("from", string(dev.Profile)).
			Str("to", string(profile)).
			Msg("Device profile changed, rebuilding accessories")
	}
	dev.Profile = profile
	dev.Info = info
	dev.Discovered = true
	if profile == shelly.ProfileLight && len(dev.descriptors()) == 0 {
		log.Warn().Str("device", host).Msg("Light profile with no visible channels, device exposes no accessories")
	}
	r.state.mu.Unlock()

	r.syncTopology()

	// Re-push live state so a profile change is immediately followed by
	// correct values on the new accessories.
	applyDeviceStatus(r.state, r.bridge, host, snapshot)
	return nil
}

// syncTopology diffs the wanted descriptor set across ALL devices
// against the registered accessories. The diff is global on purpose:
// removal safety depends on every device's discovery flag, and a
// localized patch could orphan accessories when several devices change
// profile at once.
func (r *Reconciler) syncTopology() {
	type registration struct {
		token string
		ctx   bridge.Context
	}
	var toRegister []registration
	var toUnregister []string

	r.state.mu.Lock()

	wanted := make(map[string]Descriptor)
	for _, dev := range r.state.devices {
		for _, desc := range dev.descriptors() {
			wanted[desc.Token()] = desc
		}
	}

	for token, acc := range r.state.accessories {
		if _, ok := wanted[token]; ok {
			continue
		}
		// Never prune accessories of a device that has not completed
		// discovery: a transient failure at startup must not flap the
		// frontend.
		dev := r.state.devices[acc.Host]
		if dev != nil && !dev.Discovered {
			continue
		}
		delete(r.state.accessories, token)
		toUnregister = append(toUnregister, token)
	}

	for token, desc := range wanted {
		if acc, ok := r.state.accessories[token]; ok {
			acc.Kind = desc.Kind
			acc.Channel = desc.Channel
			acc.Name = desc.Name
			continue
		}
		acc := &Accessory{
			Token:   token,
			Host:    desc.Host,
			Kind:    desc.Kind,
			Channel: desc.Channel,
			Name:    desc.Name,
			State:   defaultState(),
		}
		r.state.accessories[token] = acc
		toRegister = append(toRegister, registration{token: token, ctx: acc.context()})
	}

	r.state.mu.Unlock()

	for _, token := range toUnregister {
		r.queues.Drop(token)
		if err := r.bridge.Unregister(token); err != nil {
			log.Error().Err(err).Str("accessory", token).Msg("Unregister failed")
			continue
		}
		log.Info().Str("accessory", token).Msg("Accessory removed")
	}
	for _, reg := range toRegister {
		if err := r.bridge.Register(reg.token, reg.ctx); err != nil {
			log.Error().Err(err).Str("accessory", reg.token).Str("name", reg.ctx.Name).Msg("Register failed")
			continue
		}
		log.Info().
			Str("accessory", reg.token).
			Str("name", reg.ctx.Name).
			Str("kind", reg.ctx.Kind).
			Msg("Accessory added")
	}
}

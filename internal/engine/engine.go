// Package engine is the device topology and state reconciliation core.
// It polls each configured Shelly device, keeps exposed accessories in
// sync with the device's operating profile, and serializes user write
// intents against the device.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/bridge"
	"github.com/dokzlo13/shellyd/internal/taskq"
)

// Engine owns the shared state container and wires the reconciler,
// poller and commander around it.
type Engine struct {
	state  *State
	bridge bridge.Bridge
	queues *taskq.Queues

	Reconciler *Reconciler
	Poller     *Poller
	Commander  *Commander
}

// New builds an engine for a fixed set of devices. clients must hold one
// DeviceClient per spec host.
func New(specs []DeviceSpec, clients map[string]DeviceClient, br bridge.Bridge, pollInterval time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	state := newState(specs)
	queues := taskq.New(context.Background())

	rec := &Reconciler{state: state, bridge: br, clients: clients, queues: queues}
	poller := &Poller{state: state, bridge: br, clients: clients, reconciler: rec, interval: pollInterval}
	cmd := &Commander{state: state, bridge: br, clients: clients, queues: queues}

	return &Engine{
		state:      state,
		bridge:     br,
		queues:     queues,
		Reconciler: rec,
		Poller:     poller,
		Commander:  cmd,
	}
}

// Restore rebuilds accessories from the bridge's persisted contexts, so
// writes work before the first discovery completes. Contexts for hosts
// that are no longer configured (or with an unrecognized kind) are
// unregistered immediately: they can never re-enter the topology, so
// leaving them would keep a ghost entity on the bridge forever.
func (e *Engine) Restore() {
	contexts, err := e.bridge.Contexts()
	if err != nil {
		log.Warn().Err(err).Msg("Loading persisted accessory contexts failed")
		return
	}

	type restored struct {
		token string
		ctx   bridge.Context
	}
	var accepted []restored
	var stale []string

	e.state.mu.Lock()
	for token, c := range contexts {
		kind := Kind(c.Kind)
		if !kind.valid() {
			log.Warn().Str("accessory", token).Str("kind", c.Kind).Msg("Persisted context has unrecognized kind, removing")
			stale = append(stale, token)
			continue
		}
		if e.state.devices[c.Host] == nil {
			log.Info().Str("accessory", token).Str("device", c.Host).Msg("Persisted context for unconfigured device, removing")
			stale = append(stale, token)
			continue
		}
		e.state.accessories[token] = &Accessory{
			Token:   token,
			Host:    c.Host,
			Kind:    kind,
			Channel: c.Channel,
			Name:    c.Name,
			State:   clampState(c.State),
		}
		accepted = append(accepted, restored{token: token, ctx: c})
	}
	count := len(accepted)
	e.state.mu.Unlock()

	for _, token := range stale {
		if err := e.bridge.Unregister(token); err != nil {
			log.Warn().Err(err).Str("accessory", token).Msg("Removing stale persisted context failed")
		}
	}

	// Re-register so the bridge resubscribes its command surface for the
	// restored accessories.
	for _, r := range accepted {
		if err := e.bridge.Register(r.token, r.ctx); err != nil {
			log.Warn().Err(err).Str("accessory", r.token).Msg("Re-registering restored accessory failed")
		}
	}

	if count > 0 {
		log.Info().Int("accessories", count).Msg("Restored accessories from persisted contexts")
	}
}

// Initialize runs the first discovery pass for all devices.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.Reconciler.Initialize(ctx)
}

// Run polls until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.Poller.Run(ctx)
}

// Close drains the command queues.
func (e *Engine) Close() {
	e.queues.Close()
}

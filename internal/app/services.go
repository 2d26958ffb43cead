package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shellyd/internal/config"
	"github.com/dokzlo13/shellyd/internal/db"
	"github.com/dokzlo13/shellyd/internal/engine"
	"github.com/dokzlo13/shellyd/internal/mqttbridge"
	"github.com/dokzlo13/shellyd/internal/shelly"
	"github.com/dokzlo13/shellyd/internal/store"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB       *db.DB
	Contexts *store.ContextStore
	Bridge   *mqttbridge.Bridge

	// Device integration core
	Engine *engine.Engine

	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize accessory context store
	s.Contexts = store.NewContextStore(database.DB)

	// Connect the MQTT bridge
	s.Bridge, err = mqttbridge.New(mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, s.Contexts)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Build one RPC client per configured device, each with its own
	// rate limiter so a chatty device cannot starve the others.
	burst := int(cfg.Poll.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	specs := make([]engine.DeviceSpec, 0, len(cfg.Devices))
	clients := make(map[string]engine.DeviceClient, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		specs = append(specs, engine.DeviceSpec{
			Host:     dev.Host,
			Name:     dev.Name,
			Channels: dev.Visibility(),
		})
		limiter := rate.NewLimiter(rate.Limit(cfg.Poll.RateLimitRPS), burst)
		clients[dev.Host] = shelly.NewClient(dev.Host, cfg.Poll.RPCTimeout.Duration(), limiter)
	}

	s.Engine = engine.New(specs, clients, s.Bridge, cfg.Poll.Interval.Duration())
	s.Bridge.SetCommander(s.Engine.Commander)

	// Initialize health service
	s.Health = NewHealthService(cfg)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Bring back persisted accessories before the first discovery, so
	// frontend commands work while devices are still unreachable.
	s.Engine.Restore()

	if err := s.Engine.Initialize(ctx); err != nil {
		if !errors.Is(err, engine.ErrNoDevicesDiscovered) {
			return err
		}
		// The poller keeps retrying; restored accessories stay usable.
		log.Warn().Msg("No devices discovered on startup, continuing with persisted state")
	}

	go func() {
		if err := s.Engine.Run(ctx); err != nil && ctx.Err() == nil {
			onFatalError(err)
		}
	}()

	s.Health.Start(ctx)

	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Engine != nil {
		s.Engine.Close()
	}
	if s.Bridge != nil {
		s.Bridge.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

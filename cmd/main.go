package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"smappee-ev-sync/internal/api"
	"smappee-ev-sync/internal/coordinator"
	"smappee-ev-sync/internal/logging"
	"smappee-ev-sync/internal/mqtt"
	"smappee-ev-sync/internal/settings"
	"smappee-ev-sync/internal/state"
)

var l = logging.Logger

func main() {
	s, err := settings.GetSettings()
	if err != nil {
		l.Errorw("error getting settings", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(s.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := api.NewTokenManager(s.BaseURL, api.Credentials{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Username:     s.Username,
		Password:     s.Password,
	})
	if _, err := tokens.Authenticate(ctx); err != nil {
		l.Errorw("error authenticating against cloud", "error", err)
		os.Exit(1)
	}

	client := api.NewClient(tokens, s.BaseURL, s.ServiceLocationID, s.Serial, s.StationDeviceUUID)

	serviceLocationUUID := s.ServiceLocationUUID
	if serviceLocationUUID == "" {
		serviceLocationUUID, err = client.ResolveServiceLocationUUID(ctx)
		if err != nil {
			l.Errorw("error resolving service location", "error", err)
			os.Exit(1)
		}
	}

	connectors := make([]coordinator.ConnectorRef, 0, len(s.Connectors))
	for _, c := range s.Connectors {
		connectors = append(connectors, coordinator.ConnectorRef{
			UUID:     c.UUID,
			DeviceID: c.DeviceID,
			Number:   c.Number,
		})
	}

	coord := coordinator.New(client, state.StationState{
		ServiceLocationID: s.ServiceLocationID,
		StationUUID:       s.StationDeviceUUID,
		Serial:            s.Serial,
		Available:         true,
	}, connectors, s.PollInterval)

	coord.Poll(ctx)
	coord.Start(ctx)

	gateway := mqtt.NewGateway(mqtt.Config{
		Host:                s.MQTTHost,
		Port:                s.MQTTPort,
		ServiceLocationUUID: serviceLocationUUID,
		ServiceLocationID:   s.ServiceLocationID,
		ClientID:            "smappee-ev-sync-" + uuid.NewString(),
		SerialNumber:        s.Serial,
	}, coord.ApplyPropertyUpdate, coord.SetConnectionState)

	gatewayUp := true
	if err := gateway.Start(); err != nil {
		// The poll loop still works on its own; live updates just won't
		// arrive until the next restart.
		l.Warnw("live update gateway unavailable, continuing with polling only", "error", err)
		gatewayUp = false
	}

	l.Infow("running",
		"serviceLocation", serviceLocationUUID,
		"connectors", len(connectors),
		"pollInterval", s.PollInterval,
		"liveUpdates", gatewayUp)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Infow("shutting down")
	if gatewayUp {
		gateway.Stop()
	}
	cancel()
	coord.Stop()
}

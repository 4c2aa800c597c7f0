package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/agentrun/pkg/channels/gochannel"
	"github.com/dukex/agentrun/pkg/channels/kafka"
	"github.com/dukex/agentrun/pkg/eventbus"
	"github.com/google/uuid"
)

// NewEventBus creates the run event bus. "gochannel" keeps events in process;
// "kafka" shares them between API instances through KAFKA_BROKERS.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(logger)
		if err != nil {
			panic(fmt.Errorf("failed to create in-process pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub)
	case "kafka":
		brokers, err := kafka.BrokersFromEnv()
		if err != nil {
			panic(err)
		}

		pub, sub, err := kafka.CreateChannel(logger, brokers, "agentrun-api", uuid.NewString())
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}

// Package gochannel provides the in-process run event channel.
package gochannel

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	outputBuffer     = 1000
	testOutputBuffer = 10
)

// CreateChannel returns one GoChannel serving as both publisher and
// subscriber. Events reach only subscribers of this process.
func CreateChannel(logger *slog.Logger) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            outputBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)

	return pubSub, pubSub, nil
}

// CreateTestChannel blocks each publish until subscribers ack, so tests
// observe handler effects as soon as Publish returns.
func CreateTestChannel(logger *slog.Logger) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            testOutputBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(logger),
	)

	return pubSub, pubSub, nil
}

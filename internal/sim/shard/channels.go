package shard

import "voidreckoning.sim/internal/protocol"

const (
	progressBuffer = 256
	commandBuffer  = 64
	controlBuffer  = 16
)

// Channels is the explicit handle pair the orchestrator holds for one shard.
// Progress carries replica output out of the shard; Commands carries
// orchestrator commands in. Nothing else crosses the boundary.
type Channels struct {
	Progress chan protocol.ProgressMessage
	Commands chan protocol.CommandMsg
}

func NewChannels() Channels {
	return Channels{
		Progress: make(chan protocol.ProgressMessage, progressBuffer),
		Commands: make(chan protocol.CommandMsg, commandBuffer),
	}
}

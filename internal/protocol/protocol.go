package protocol

import "encoding/json"

const Version = "1.0"

// Status tags every progress message a replica emits. The orchestrator
// dispatches on this tag and nothing else.
type Status string

const (
	StatusInit          Status = "INIT"
	StatusRunning       Status = "RUNNING"
	StatusWaiting       Status = "WAITING"
	StatusReady         Status = "READY"
	StatusPortalHandoff Status = "PORTAL_HANDOFF"
	StatusEntityRemoved Status = "ENTITY_REMOVED"
	StatusDone          Status = "DONE"
	StatusError         Status = "ERROR"
)

// Command tags every document pushed into a shard's command queues.
type Command string

const (
	CmdStart        Command = "START"
	CmdAdvance      Command = "ADVANCE"
	CmdRemoveEntity Command = "REMOVE_ENTITY"
	CmdInjectEntity Command = "INJECT_ENTITY"
)

// BaseMessage lets us route unknown JSON messages by type (feed transport).
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

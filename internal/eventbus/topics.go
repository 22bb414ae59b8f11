package eventbus

// Topics published by the relay.
const (
	IngestAccepted  = "ingest.accepted"
	IngestMalformed = "ingest.malformed"
	IngestRejected  = "ingest.rejected"

	FilterDecision = "filter.decision"
	FilterFault    = "filter.fault"

	QueueEnqueued     = "queue.enqueued"
	QueueRetry        = "queue.retry"
	QueueAcked        = "queue.acked"
	QueueDeadLettered = "queue.dead_lettered"
	QueueRequeued     = "queue.requeued"
	QueueTargetGone   = "queue.target_removed"

	DispatchSent       = "dispatch.sent"
	DispatchSendFailed = "dispatch.send_failed"
	DispatchAckTimeout = "dispatch.ack_timeout"
	DispatchState      = "dispatch.state"
	AckIgnored         = "ack.ignored"

	RegistryConnected    = "registry.connected"
	RegistryDisconnected = "registry.disconnected"

	ConfigReloaded = "config.reloaded"
)

// ItemEvent is the payload of queue.* topics.
type ItemEvent struct {
	Target   string
	ItemID   string
	EventID  string
	Priority string
	Attempt  int
	Reason   string
}

// IngestEvent is the payload of ingest.* topics.
type IngestEvent struct {
	Platform string
	Reason   string
}

// FilterEvent is the payload of filter.* topics.
type FilterEvent struct {
	Action string
	Rule   string
	Error  string
}

// DispatchEvent is the payload of dispatch.* and ack.* topics.
type DispatchEvent struct {
	Target  string
	ItemID  string
	Attempt int
	State   string
	Error   string
}

// ConnEvent is the payload of registry.* topics.
type ConnEvent struct {
	Target string
	ConnID uint64
	Reason string
}

// ConfigEvent is the payload of config.reloaded.
type ConfigEvent struct {
	Sections []string
	Restart  []string
}

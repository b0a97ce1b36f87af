package bus

// Message lifecycle topics (durable A2A messages, published by the store).
const (
	TopicMessagePublished = "message.published"
	TopicMessageProcessed = "message.processed"
	TopicMessageFailed    = "message.failed"
)

// Proactive action lifecycle topic.
const (
	TopicActionStateChanged = "action.state_changed"
)

// Heartbeat and escalation topics.
const (
	TopicHeartbeatRecorded = "heartbeat.recorded"
	TopicEscalationVerdict = "escalation.verdict"
	TopicEscalationAlert   = "escalation.alert"
)

// Governor topics.
const (
	TopicAutonomyPaused = "autonomy.paused"
)

// MessageEvent is published when a durable message is created or changes status.
type MessageEvent struct {
	MessageID   string // Message ID
	WorkspaceID string // Workspace the message belongs to
	Kind        string // INSIGHT, REQUEST, ALERT, HANDOFF, DEBATE
	Topic       string // Free-text routing key
	FromAgent   string // Sender agent ID
	ToAgent     string // Recipient agent ID; empty for broadcast
	Status      string // PENDING, DELIVERED, PROCESSED, EXPIRED, FAILED
}

// ActionStateChangedEvent is published when a proactive action transitions.
type ActionStateChangedEvent struct {
	ActionID    string // Action ID
	WorkspaceID string // Workspace the action belongs to
	AgentID     string // Proposing agent
	Category    string // Autonomy category
	Title       string // Human-readable title
	OldStatus   string // Previous status (e.g. PENDING_APPROVAL)
	NewStatus   string // New status (e.g. APPROVED)
}

// HeartbeatRecordedEvent is published for every agent self-check cycle.
type HeartbeatRecordedEvent struct {
	HeartbeatID string  // Heartbeat record ID
	WorkspaceID string  // Workspace
	AgentID     string  // Agent that ran the cycle
	Result      string  // OK, INSIGHT, ACTION, ESCALATION
	CostUSD     float64 // Cycle cost
}

// EscalationEvent is published when a debate verdict or alert goes out.
type EscalationEvent struct {
	WorkspaceID string // Workspace
	AgentID     string // Agent whose heartbeat escalated
	MessageID   string // The published DEBATE or ALERT message
	Topic       string // Escalation topic
	Failed      bool   // True when synthesis failed and an ALERT was published
}

// AutonomyPausedEvent is published when a workspace is paused.
type AutonomyPausedEvent struct {
	WorkspaceID string // Workspace
	Reason      string // Pause reason
	Emergency   bool   // True when triggered by the failure auto-pause
}

package porygon

// BusMessage is the wire unit for every broker channel. ID is a monotonic
// per-channel counter so subscribers can detect gaps and reordering.
type BusMessage struct {
	Event  string      `json:"event"`
	Data   interface{} `json:"data"`
	Date   int64       `json:"date"`
	ID     uint64      `json:"id"`
	Sender string      `json:"sender"`
}

// QueryEnvelope rides inside a BusMessage on the target service channel.
// The reply is published on ReplyChannel carrying the same CorrelationID.
type QueryEnvelope struct {
	CorrelationID string      `json:"correlationId" mapstructure:"correlationId"`
	ReplyChannel  string      `json:"replyChannel" mapstructure:"replyChannel"`
	Event         string      `json:"event" mapstructure:"event"`
	Payload       interface{} `json:"payload" mapstructure:"payload"`
	DeadlineMs    int64       `json:"deadlineMs" mapstructure:"deadlineMs"`
}

type QueryReply struct {
	CorrelationID string      `json:"correlationId" mapstructure:"correlationId"`
	Value         interface{} `json:"value" mapstructure:"value"`
	Error         string      `json:"error,omitempty" mapstructure:"error"`
}

type Identity struct {
	InstanceID string `json:"instanceId" mapstructure:"instanceId"`
}

// StructEvent describes one mutation of a structured record.
type StructEvent struct {
	Struct  string      `json:"struct" mapstructure:"struct"`
	Action  string      `json:"action" mapstructure:"action"`
	DataID  string      `json:"dataId" mapstructure:"dataId"`
	Payload interface{} `json:"payload" mapstructure:"payload"`
}

const (
	ActionCreate  = "create"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionArchive = "archive"
	ActionRestore = "restore"
)

// Frame is one named, sequenced unit pushed to a client over its
// persistent stream. Clients acknowledge the highest ID they processed.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	ID    uint64      `json:"id"`
}

// BatchUpdate is one client-originated mutation inside a batch flush.
type BatchUpdate struct {
	Struct string      `json:"struct"`
	Type   string      `json:"type"`
	Data   interface{} `json:"data"`
	ID     string      `json:"id"`
	Date   string      `json:"date"`
}

// BatchResult reports one BatchUpdate's outcome, index-matched to the input.
type BatchResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	ID      string      `json:"id"`
}

type StateReport struct {
	Requests int                    `json:"requests"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

package model

// Inbound message types sent by transport and UI shell endpoints.
const (
	MessageTypeSignal     = "signal"
	MessageTypeScreen     = "screen"
	MessageTypeForeground = "foreground"
	MessageTypeBackground = "background"
	MessageTypeNegotiated = "negotiated"
)

// Outbound message types sent by the server.
const (
	MessageTypePresent    = "present"
	MessageTypeNegotiate  = "negotiate"
	MessageTypeNotice     = "notice"
	MessageTypeState      = "state"
	MessageTypeDiagnostic = "diagnostic"
)

// Negotiate message actions.
const (
	NegotiateStart = "start"
	NegotiateStop  = "stop"
)

type Message struct {
	Type    string            `json:"type"`
	CallID  string            `json:"call_id,omitempty"`
	SRC     string            `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Action  string            `json:"action,omitempty"`
	Screen  string            `json:"screen,omitempty"`
	Command string            `json:"command,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	State   string            `json:"state,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}

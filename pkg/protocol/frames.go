package protocol

import "encoding/json"

// Frame type values on the bridge relay websocket connection.
const (
	FrameAgentRequest  = "agent_request"
	FrameSubscribeUI   = "subscribe_ui"
	FrameAgentResponse = "agent_response"
	FrameAgentUIState  = "agent_ui_state"
	FrameAgentError    = "agent_error"
)

// Frame is the envelope exchanged on the bridge relay connection. Inbound
// frames carry Data as a JSON object; outbound agent_response and
// agent_ui_state frames carry Data as a JSON string holding the forwarded
// payload verbatim.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewResponseFrame wraps one response-stream payload for forwarding.
func NewResponseFrame(payload string) Frame {
	data, _ := json.Marshal(payload)
	return Frame{
		Type:    FrameAgentResponse,
		Channel: StreamResponses,
		Data:    data,
	}
}

// NewUIStateFrame wraps one pub/sub payload for forwarding.
func NewUIStateFrame(channel, payload string) Frame {
	data, _ := json.Marshal(payload)
	return Frame{
		Type:    FrameAgentUIState,
		Channel: channel,
		Data:    data,
	}
}

// NewErrorFrame reports a relay-side failure to the connected client.
func NewErrorFrame(message string) Frame {
	return Frame{
		Type:  FrameAgentError,
		Error: message,
	}
}

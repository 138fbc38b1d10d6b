package protocol

import (
	"encoding/json"
	"slices"
)

// Outbound is a client→server frame.
type Outbound struct {
	Event EventName `json:"event"`
	Data  any       `json:"data"`
}

type SendMessagePayload struct {
	SenderID    string   `json:"senderId"`
	ReceiverID  string   `json:"receiverId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	ClientID    string   `json:"clientId,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

func SendMessage(p SendMessagePayload) Outbound {
	p.Attachments = slices.Clone(p.Attachments)
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	return Outbound{Event: EventSendMessage, Data: p}
}

func EditMessage(messageID, newText string) Outbound {
	return Outbound{Event: EventEditMessage, Data: EditMessagePayload{MessageID: messageID, NewText: newText}}
}

func DeleteMessage(messageID string) Outbound {
	return Outbound{Event: EventDeleteMessage, Data: DeleteMessagePayload{MessageID: messageID}}
}

func (o Outbound) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// Envelope is the server→client frame shape. Servers and test fakes use it
// to produce frames that Decode accepts.
type Envelope struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

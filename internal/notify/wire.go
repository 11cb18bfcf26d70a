package notify

import (
	"study-notify/internal/models"
)

// Command is the client-to-server frame on the push channel.
type Command struct {
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Envelope is the server-to-client frame. Job events are wrapped so the
// client can route on type without sniffing payload fields.
type Envelope struct {
	Type  string           `json:"type"`
	Room  string           `json:"room,omitempty"`
	Event *models.JobEvent `json:"event,omitempty"`
}

const (
	EnvelopeJobEvent     = "job_event"
	EnvelopeSubscribed   = "subscribed"
	EnvelopeUnsubscribed = "unsubscribed"
	EnvelopePong         = "pong"
)

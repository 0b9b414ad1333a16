package worker

import (
	"net/http"

	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/clients"
	"github.com/kalambet/chatrelay/internal/dispatch"
	"github.com/kalambet/chatrelay/internal/lifecycle"
	"github.com/kalambet/chatrelay/internal/push"
	"github.com/kalambet/chatrelay/internal/syncsched"
)

// EventType enumerates inbound events.
type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventSync              EventType = "sync"
	EventPeriodicSync      EventType = "periodicSync"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationClick"
	EventMessage           EventType = "message"
)

// Event is one inbound event. Only the fields of its type are set.
type Event struct {
	Type EventType

	// fetch
	Request *http.Request

	// sync, periodicSync (optional), notificationClick
	Tag string

	// push
	Payload []byte

	// notificationClick; Data falls back to the displayed notification's.
	Action string
	Data   *push.Data

	// message
	ClientID string
	Message  clients.Message
}

// Result is what a handler produced. Err is set when the handler failed or
// panicked; the other fields carry whatever fallback was available.
type Result struct {
	Type EventType `json:"type"`

	Response     *cache.Response       `json:"-"`
	Install      *lifecycle.FillReport `json:"install,omitempty"`
	PreWarm      *lifecycle.FillReport `json:"prewarm,omitempty"`
	Sync         *syncsched.Report     `json:"sync,omitempty"`
	Notification *push.Notification    `json:"notification,omitempty"`
	Click        *dispatch.Outcome     `json:"click,omitempty"`
	State        State                 `json:"state,omitempty"`

	Err error `json:"-"`
}

package push

// DefaultIcon is shown when a payload carries no icon of its own.
const DefaultIcon = "/icons/icon-192.png"

// callVibration rings for roughly five seconds.
var callVibration = []int{500, 200, 500, 200, 500, 200, 500, 200, 500}

// Action is a button on a displayed notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Data travels with a notification and comes back on click.
type Data struct {
	Type           string `json:"type"`
	CallID         string `json:"callId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	URL            string `json:"url,omitempty"`
	CallType       string `json:"callType,omitempty"`
	CallerName     string `json:"callerName,omitempty"`
}

// Notification holds the display options of one notification.
type Notification struct {
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon"`
	Badge              string   `json:"badge,omitempty"`
	Tag                string   `json:"tag,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
	Renotify           bool     `json:"renotify,omitempty"`
	Vibrate            []int    `json:"vibrate,omitempty"`
	Actions            []Action `json:"actions,omitempty"`
	Data               Data     `json:"data"`
}

// Kind is the classification of a push payload.
type Kind string

const (
	KindCall    Kind = "call"
	KindMessage Kind = "message"
	KindGeneric Kind = "generic"
)

// Descriptor is a classified push payload. Exactly one of Call, Message or
// Generic implements it for any payload.
type Descriptor interface {
	Kind() Kind
	Notification() Notification
}

// Call is an incoming voice or video call.
type Call struct {
	CallID       string
	CallerName   string
	CallerAvatar string
	CallType     string
}

func (Call) Kind() Kind { return KindCall }

func (c Call) Notification() Notification {
	tag := "chatr-call"
	if c.CallID != "" {
		tag += "-" + c.CallID
	}
	return Notification{
		Title:              "Incoming " + c.CallType + " call",
		Body:               c.CallerName + " is calling…",
		Icon:               orDefault(c.CallerAvatar, DefaultIcon),
		Badge:              DefaultIcon,
		Tag:                tag,
		RequireInteraction: true,
		Renotify:           true,
		Vibrate:            append([]int(nil), callVibration...),
		Actions: []Action{
			{Action: "answer", Title: "Answer"},
			{Action: "reject", Title: "Decline"},
		},
		Data: Data{
			Type:       string(KindCall),
			CallID:     c.CallID,
			CallType:   c.CallType,
			CallerName: c.CallerName,
		},
	}
}

// Message is a new chat message.
type Message struct {
	ConversationID string
	SenderName     string
	SenderAvatar   string
	Content        string
}

func (Message) Kind() Kind { return KindMessage }

func (m Message) Notification() Notification {
	tag := "chatr-msg"
	if m.ConversationID != "" {
		tag += "-" + m.ConversationID
	}
	return Notification{
		Title:    orDefault(m.SenderName, "New message"),
		Body:     orDefault(m.Content, "You have a new message"),
		Icon:     orDefault(m.SenderAvatar, DefaultIcon),
		Badge:    DefaultIcon,
		Tag:      tag,
		Renotify: true,
		Actions: []Action{
			{Action: "reply", Title: "Reply"},
			{Action: "view", Title: "View"},
		},
		Data: Data{
			Type:           string(KindMessage),
			ConversationID: m.ConversationID,
		},
	}
}

// Generic is anything that is neither a call nor a message.
type Generic struct {
	Title string
	Body  string
	Icon  string
	Tag   string
	URL   string
}

func (Generic) Kind() Kind { return KindGeneric }

func (g Generic) Notification() Notification {
	return Notification{
		Title: orDefault(g.Title, "Chatr"),
		Body:  orDefault(g.Body, "You have a new notification"),
		Icon:  orDefault(g.Icon, DefaultIcon),
		Badge: DefaultIcon,
		Tag:   g.Tag,
		Data: Data{
			Type: string(KindGeneric),
			URL:  orDefault(g.URL, "/"),
		},
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

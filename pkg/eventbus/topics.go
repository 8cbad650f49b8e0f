package eventbus

// Topic names a lifecycle event. Payload types are listed next to each topic.
type Topic string

const (
	// MessageSent carries the chatstate.Entry appended for the user query.
	MessageSent Topic = "message:sent"
	// MessageReceived carries the chatstate.Entry appended or updated for an answer.
	MessageReceived Topic = "message:received"

	ConnectionOpened Topic = "connection:opened"
	ConnectionClosed Topic = "connection:closed"
	// ConnectionError carries the transport error.
	ConnectionError Topic = "connection:error"

	ChatOpened    Topic = "chat:opened"
	ChatClosed    Topic = "chat:closed"
	ChatMaximized Topic = "chat:maximized"
	ChatMinimized Topic = "chat:minimized"

	// StateChanged carries the full chatstate.State snapshot.
	StateChanged Topic = "state:changed"

	// Notice carries a Notice meant for the user.
	Notice Topic = "notice"
	// ContextChanged carries the new []chatstate.ContextItem.
	ContextChanged Topic = "context:changed"
)

func (t Topic) String() string { return string(t) }

// AllTopics lists every topic the controller emits, in a stable order.
func AllTopics() []Topic {
	return []Topic{
		MessageSent, MessageReceived,
		ConnectionOpened, ConnectionClosed, ConnectionError,
		ChatOpened, ChatClosed, ChatMaximized, ChatMinimized,
		StateChanged, Notice, ContextChanged,
	}
}

type NoticeKind string

const (
	NoticeAuth    NoticeKind = "auth"
	NoticeNetwork NoticeKind = "network"
)

// NoticePayload is a user-facing message emitted on Notice.
type NoticePayload struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

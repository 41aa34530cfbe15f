package notify

import "chat-client/internal/models"

// Message is an inbox message accepted by the Gateway.
type Message interface {
	gatewayMessage()
}

// PushReceived carries the raw body of a push event.
type PushReceived struct {
	Data []byte
}

// NotificationClicked reports a click on a notification or one of its
// actions.
type NotificationClicked struct {
	Tag    string
	Action string
	Data   map[string]any
}

// ClearTag dismisses the notifications with a tag.
type ClearTag struct {
	Tag string
}

// ConnectivityRestored asks the Gateway to drain its tracking queue.
type ConnectivityRestored struct{}

// Subscribe registers a push subscription.
type Subscribe struct {
	Subscription models.PushSubscription
	Reply        chan<- error
}

// Unsubscribe removes a push subscription.
type Unsubscribe struct {
	Endpoint string
	Reply    chan<- error
}

// PermissionRevoked removes every push subscription.
type PermissionRevoked struct{}

// TestNotification asks the backend for a test push and shows one locally
// when that fails.
type TestNotification struct {
	Reply chan<- error
}

func (PushReceived) gatewayMessage()         {}
func (NotificationClicked) gatewayMessage()  {}
func (ClearTag) gatewayMessage()             {}
func (ConnectivityRestored) gatewayMessage() {}
func (Subscribe) gatewayMessage()            {}
func (Unsubscribe) gatewayMessage()          {}
func (PermissionRevoked) gatewayMessage()    {}
func (TestNotification) gatewayMessage()     {}

func reply(ch chan<- error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

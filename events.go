package swcache

import (
	"context"
	"net/http"
)

// Event is one of the lifecycle or functional events the worker consumes.
// The concrete types are *InstallEvent, *ActivateEvent, *FetchEvent, *MessageEvent,
// *PushEvent, *NotificationClickEvent and *SyncEvent
type Event interface {
	EventName() string
}

// InstallEvent opens the current bucket and precaches the critical URLs
type InstallEvent struct{}

func (*InstallEvent) EventName() string { return "install" }

// ActivateEvent purges stale bucket generations and claims all clients
type ActivateEvent struct{}

func (*ActivateEvent) EventName() string { return "activate" }

// FetchEvent carries an intercepted request. After dispatch Response reports if the worker responded
type FetchEvent struct {
	Request *http.Request

	response *http.Response
	handled  bool
}

func (*FetchEvent) EventName() string { return "fetch" }

// respondWith sets the response of the event
func (event *FetchEvent) respondWith(response *http.Response) {
	event.response = response
	event.handled = true
}

// Response returns the response the worker supplied.
// If the bool is false the request was left unhandled and must proceed unmodified
func (event *FetchEvent) Response() (*http.Response, bool) {
	return event.response, event.handled
}

// MessageEvent carries a message posted to the worker. Replies are sent to the first port and to the source
type MessageEvent struct {
	Data   []byte
	Ports  []ReplyPort
	Source ReplyPort
}

func (*MessageEvent) EventName() string { return "message" }

// PushEvent carries a push payload. After dispatch Notification holds the notification which was shown, if any
type PushEvent struct {
	Data []byte

	Notification *Notification
}

func (*PushEvent) EventName() string { return "push" }

// NotificationClickEvent is sent when the user clicks a notification shown by the worker
type NotificationClickEvent struct {
	Notification *Notification
}

func (*NotificationClickEvent) EventName() string { return "notificationclick" }

// SyncEvent is sent when a background sync with the given tag may run.
// After dispatch Replayed and Failed count the forms which were replayed
type SyncEvent struct {
	Tag string

	Replayed int
	Failed   int
}

func (*SyncEvent) EventName() string { return "sync" }

// ReplyPort is a channel a message reply can be posted to, like a message port or the originating client
type ReplyPort interface {
	PostMessage(ctx context.Context, reply MessageReply) error
}

// The ReplyPortFunc type is an adapter to allow the use of ordinary functions as reply ports
type ReplyPortFunc func(ctx context.Context, reply MessageReply) error

func (f ReplyPortFunc) PostMessage(ctx context.Context, reply MessageReply) error {
	return f(ctx, reply)
}

// Clients is the set of pages the worker controls
type Clients interface {

	//Claim makes the worker the controller of all open clients without waiting for a reload
	Claim(ctx context.Context) error

	//OpenWindow opens a new client for the url
	OpenWindow(ctx context.Context, url string) error
}

package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dylandreimerink/swcache"
)

type recordingSender struct {
	messages []string
	titles   []string
	errs     []error
}

func (sender *recordingSender) Send(message string, params *types.Params) []error {
	sender.messages = append(sender.messages, message)
	sender.titles = append(sender.titles, (*params)["title"])
	return sender.errs
}

func TestShoutrrr_ShowNotification(t *testing.T) {
	sender := &recordingSender{}
	notifier := &Shoutrrr{sender: sender, logger: logrus.New()}

	err := notifier.ShowNotification(context.Background(), &swcache.Notification{
		Tag:   "tag",
		Title: "Hi",
		Body:  "New chapter",
		Data:  swcache.NotificationData{URL: "/c/9"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"New chapter\n\n/c/9"}, sender.messages)
	assert.Equal(t, []string{"Hi"}, sender.titles)
}

func TestShoutrrr_DeliveryError(t *testing.T) {
	sender := &recordingSender{errs: []error{nil, errors.New("service down")}}
	notifier := &Shoutrrr{sender: sender, logger: logrus.New()}

	err := notifier.ShowNotification(context.Background(), &swcache.Notification{Title: "Hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service down")
}

func TestNewShoutrrr_InvalidURL(t *testing.T) {
	_, err := NewShoutrrr(nil)
	assert.Error(t, err)

	_, err = NewShoutrrr(nil, "not-a-service://nowhere")
	assert.Error(t, err)
}

func TestRenderMessage(t *testing.T) {
	assert.Equal(t, "body", renderMessage(&swcache.Notification{Body: "body"}))
	assert.Equal(t, "/", renderMessage(&swcache.Notification{Data: swcache.NotificationData{URL: "/"}}))
}

type recordingDispatcher struct {
	events []swcache.Event
	err    error
}

func (dispatcher *recordingDispatcher) Dispatch(ctx context.Context, event swcache.Event) error {
	dispatcher.events = append(dispatcher.events, event)
	return dispatcher.err
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (message *fakeMessage) Duplicate() bool   { return false }
func (message *fakeMessage) Qos() byte         { return 0 }
func (message *fakeMessage) Retained() bool    { return false }
func (message *fakeMessage) Topic() string     { return message.topic }
func (message *fakeMessage) MessageID() uint16 { return 1 }
func (message *fakeMessage) Payload() []byte   { return message.payload }
func (message *fakeMessage) Ack()              {}

func TestMQTTSource_DispatchesPushEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}

	source, err := NewMQTTSource(MQTTConfig{
		Broker: "tcp://127.0.0.1:1883",
		Topic:  "swcache/push",
	}, dispatcher, nil)
	require.NoError(t, err)

	source.handleMessage(nil, &fakeMessage{topic: "swcache/push", payload: []byte(`{"title":"Hi"}`)})
	source.handleMessage(nil, &fakeMessage{topic: "swcache/push", payload: []byte("plain")})

	require.Len(t, dispatcher.events, 2)

	first, ok := dispatcher.events[0].(*swcache.PushEvent)
	require.True(t, ok)
	assert.Equal(t, `{"title":"Hi"}`, string(first.Data))

	second, ok := dispatcher.events[1].(*swcache.PushEvent)
	require.True(t, ok)
	assert.Equal(t, "plain", string(second.Data))
}

func TestNewMQTTSource_RequiresTopic(t *testing.T) {
	_, err := NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1883"}, &recordingDispatcher{}, nil)
	assert.Error(t, err)
}

func TestNotifiersImplementNotifier(t *testing.T) {
	var _ swcache.Notifier = (*Shoutrrr)(nil)
	var _ Dispatcher = (*swcache.Worker)(nil)
}

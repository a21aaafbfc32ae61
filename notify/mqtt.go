package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/dylandreimerink/swcache"
)

// Dispatcher receives the events of a source
type Dispatcher interface {
	Dispatch(ctx context.Context, event swcache.Event) error
}

// MQTTConfig configures the broker connection of a MQTTSource
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTSource subscribes to a topic and dispatches every message as push event
type MQTTSource struct {
	config     MQTTConfig
	dispatcher Dispatcher
	logger     *logrus.Logger
	client     mqtt.Client
}

const mqttTimeout = 10 * time.Second

// NewMQTTSource creates a source, it doesn't connect until Start is called
func NewMQTTSource(config MQTTConfig, dispatcher Dispatcher, logger *logrus.Logger) (*MQTTSource, error) {
	if config.Broker == "" || config.Topic == "" {
		return nil, errors.New("mqtt broker and topic are required")
	}

	if config.ClientID == "" {
		config.ClientID = "swcache"
	}

	if logger == nil {
		logger = logrus.New()
	}

	source := &MQTTSource{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetConnectTimeout(mqttTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	//Subscriptions are lost on reconnect with a clean session
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if err := source.subscribe(client); err != nil {
			logger.WithError(err).Error("Error while subscribing to push topic")
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.WithError(err).Warning("Lost connection to mqtt broker")
	})

	source.client = mqtt.NewClient(opts)

	return source, nil
}

// Start connects to the broker, the subscription is made once connected
func (source *MQTTSource) Start() error {
	token := source.client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("timeout while connecting to '%s'", source.config.Broker)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to '%s': %w", source.config.Broker, err)
	}

	return nil
}

func (source *MQTTSource) subscribe(client mqtt.Client) error {
	token := client.Subscribe(source.config.Topic, source.config.QoS, source.handleMessage)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("timeout while subscribing to '%s'", source.config.Topic)
	}

	return token.Error()
}

// handleMessage dispatches the payload of a message as PushEvent
func (source *MQTTSource) handleMessage(client mqtt.Client, message mqtt.Message) {
	log := source.logger.WithFields(logrus.Fields{
		"topic":      message.Topic(),
		"message-id": message.MessageID(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), mqttTimeout)
	defer cancel()

	event := &swcache.PushEvent{Data: message.Payload()}
	if err := source.dispatcher.Dispatch(ctx, event); err != nil {
		log.WithError(err).Error("Error while dispatching push message")
		return
	}

	log.Debug("Dispatched push message")
}

// Stop disconnects from the broker
func (source *MQTTSource) Stop() {
	source.client.Disconnect(250)
}

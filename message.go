package swcache

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
)

// MessageTypeClearCache asks the worker to delete the current bucket
const MessageTypeClearCache = "CLEAR_CACHE"

// Message is the payload of a MessageEvent
type Message struct {
	Type string `json:"type"`
}

// MessageReply is posted back after a message has been handled
type MessageReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// message handles a MessageEvent. Malformed and unknown messages are ignored
func (worker *Worker) message(ctx context.Context, event *MessageEvent) {
	var message Message
	if err := json.Unmarshal(event.Data, &message); err != nil {
		worker.Logger.WithError(err).Debug("Ignoring malformed message")
		return
	}

	log := worker.Logger.WithField("type", message.Type)

	switch message.Type {
	case MessageTypeClearCache:
		reply := MessageReply{Success: true}
		if err := worker.ClearCache(ctx); err != nil {
			log.WithError(err).Error("Error while clearing cache")
			reply = MessageReply{Success: false, Error: err.Error()}
		}

		worker.reply(ctx, log, event, reply)

	default:
		log.Debug("Ignoring unknown message type")
	}
}

// reply posts the reply to the first port and to the source of the message, when present
func (worker *Worker) reply(ctx context.Context, log *logrus.Entry, event *MessageEvent, reply MessageReply) {
	var ports []ReplyPort
	if len(event.Ports) > 0 && event.Ports[0] != nil {
		ports = append(ports, event.Ports[0])
	}

	if event.Source != nil {
		ports = append(ports, event.Source)
	}

	for _, port := range ports {
		if err := port.PostMessage(ctx, reply); err != nil {
			log.WithError(err).Warning("Error while posting message reply")
		}
	}
}

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"

	"go.nodeking.dev/nodeking/config"
)

// Message is the retained payload on the result topic.
type Message struct {
	King    string       `json:"king,omitempty"`
	Nodes   []string     `json:"nodes"`
	Count   int          `json:"count"`
	Updated time.Time    `json:"updated"`
	Version version.Info `json:"version"`
}

// StatusMessage is retained on the status topic; the broker replaces it
// with the offline variant when the connection drops.
type StatusMessage struct {
	Online    bool
	Version   version.Info
	UpdatedMQ time.Time
}

func StatusMessageJSON(online bool) ([]byte, error) {
	return json.Marshal(&StatusMessage{
		Online:    online,
		Version:   version.VersionInfo(),
		UpdatedMQ: time.Now().Truncate(time.Second),
	})
}

type pahoPublisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTT publishes results as a retained message.
type MQTT struct {
	topic string
	cm    pahoPublisher
	now   func() time.Time
}

// StatusTopic is where the online/offline status is kept for a result
// topic.
func StatusTopic(topic string) string {
	return topic + "/status"
}

// NewMQTT connects to the broker in the background. Publishing blocks
// until the connection is up or ctx is done.
func NewMQTT(ctx context.Context, cfg config.MQTT) (*MQTT, *autopaho.ConnectionManager, error) {
	log := logger.FromContext(ctx)

	broker, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, nil, fmt.Errorf("mqtt broker: %w", err)
	}

	statusTopic := StatusTopic(cfg.Topic)
	offline, err := StatusMessageJSON(false)
	if err != nil {
		return nil, nil, fmt.Errorf("status message: %w", err)
	}

	errlog := logger.NewStdLog("mqtt error", true, log)

	mqttcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{broker},
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		KeepAlive:                     120,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),

		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.InfoContext(ctx, "mqtt connection up", "broker", broker.Host)
			msg, err := StatusMessageJSON(true)
			if err != nil {
				log.WarnContext(ctx, "mqtt status error", "err", err)
				return
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   statusTopic,
				Payload: msg,
				QoS:     1,
				Retain:  true,
			}); err != nil {
				log.WarnContext(ctx, "mqtt status publish error", "err", err)
			}
		},
		OnConnectError: func(err error) {
			log.ErrorContext(ctx, "mqtt connect", "err", err)
		},
		WillMessage: &paho.WillMessage{
			Retain:  true,
			Topic:   statusTopic,
			Payload: offline,
		},
		WillProperties: &paho.WillProperties{
			WillDelayInterval: paho.Uint32(30),
			MessageExpiry:     paho.Uint32(86400),
		},
		Errors:     errlog,
		PahoErrors: errlog,
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				log.ErrorContext(ctx, "mqtt client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.ErrorContext(ctx, "mqtt server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					log.ErrorContext(ctx, "mqtt server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, mqttcfg)
	if err != nil {
		return nil, nil, err
	}

	return newMQTT(cfg.Topic, connected{cm}), cm, nil
}

func newMQTT(topic string, cm pahoPublisher) *MQTT {
	return &MQTT{topic: topic, cm: cm, now: time.Now}
}

// connected waits for the connection before each publish.
type connected struct {
	cm *autopaho.ConnectionManager
}

func (c connected) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	if err := c.cm.AwaitConnection(ctx); err != nil {
		return nil, err
	}
	return c.cm.Publish(ctx, p)
}

func (m *MQTT) Publish(ctx context.Context, survivors []string, king string) error {
	nodes := survivors
	if nodes == nil {
		nodes = []string{}
	}
	payload, err := json.Marshal(&Message{
		King:    king,
		Nodes:   nodes,
		Count:   len(nodes),
		Updated: m.now().UTC().Truncate(time.Second),
		Version: version.VersionInfo(),
	})
	if err != nil {
		return err
	}

	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", m.topic, err)
	}
	logger.FromContext(ctx).DebugContext(ctx, "published result", "topic", m.topic, "count", len(nodes), "bytes", len(payload))
	return nil
}

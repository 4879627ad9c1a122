package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"camrelay/internal/relay"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotConnected is returned by MQTTSink.Send while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Envelope is the msgpack payload published for every frame.
type Envelope struct {
	CameraID   string    `msgpack:"cam_id"`
	Seq        uint64    `msgpack:"seq"`
	CapturedAt time.Time `msgpack:"captured_at"`
	Data       []byte    `msgpack:"data"`
}

// MQTTOptions configures NewMQTTSink.
type MQTTOptions struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string // frames go to <TopicPrefix>/<cam_id>
	QoS         byte
}

// MQTTSink publishes each frame as a msgpack Envelope on a per-camera topic.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *slog.Logger
}

// NewMQTTSink builds a client that reconnects on its own. Call Connect before
// the first Send.
func NewMQTTSink(o MQTTOptions, log *slog.Logger) *MQTTSink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", slog.String("broker", o.Broker), slog.String("client_id", o.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", slog.String("broker", o.Broker), slog.String("error", err.Error()))
	}
	return newMQTTSink(mqtt.NewClient(opts), o.TopicPrefix, o.QoS, log)
}

func newMQTTSink(client mqtt.Client, prefix string, qos byte, log *slog.Logger) *MQTTSink {
	return &MQTTSink{client: client, prefix: strings.TrimRight(prefix, "/"), qos: qos, log: log}
}

// Connect waits for the first connection to the broker or for ctx to end.
func (s *MQTTSink) Connect(ctx context.Context) error {
	tok := s.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close disconnects, allowing in-flight publishes a short grace period.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// topicEscaper percent-encodes the characters that would turn a camera id
// into a wildcard or extra topic levels.
var topicEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "+", "%2B", "#", "%23", "\x00", "%00")

// Topic returns the topic frames of id are published on. id always occupies a
// single topic level.
func (s *MQTTSink) Topic(id relay.CameraID) string {
	return s.prefix + "/" + topicEscaper.Replace(string(id))
}

func (s *MQTTSink) Send(ctx context.Context, id relay.CameraID, f relay.Frame) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := msgpack.Marshal(&Envelope{
		CameraID:   string(id),
		Seq:        f.Seq,
		CapturedAt: f.CapturedAt,
		Data:       f.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal frame %d: %w", f.Seq, err)
	}

	tok := s.client.Publish(s.Topic(id), s.qos, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish frame %d: %w", f.Seq, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package mqttbridge exposes the session controller over an MQTT broker:
// control commands and audio fragments flow in, transcript events flow out.
// It is the message-passing counterpart of the HTTP API.
package mqttbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/config"
	"github.com/meetassist/scribe-engine/internal/metrics"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

// AudioSink receives decoded audio fragments. *capture.QueueDevice
// satisfies this.
type AudioSink interface {
	Push(data []byte, duration float64) bool
}

type Bridge struct {
	conn      mqtt.Client
	connected atomic.Bool
	prefix    string

	ctrl  *pipeline.Controller
	bus   *transcript.EventBus
	audio AudioSink

	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type controlMessage struct {
	Action string `json:"action"`
}

type audioMessage struct {
	Data     string  `json:"data"` // base64 PCM
	Duration float64 `json:"duration"`
}

// Connect dials the broker, subscribes to the control and audio topics,
// and starts forwarding transcript events. audio may be nil when no
// queue device is wired; audio messages are then dropped with a warning.
func Connect(cfg *config.Config, ctrl *pipeline.Controller, bus *transcript.EventBus, audio AudioSink, log zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix: cfg.MQTTTopicPrefix,
		ctrl:   ctrl,
		bus:    bus,
		audio:  audio,
		log:    log.With().Str("component", "mqtt-bridge").Logger(),
		stop:   make(chan struct{}),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if cfg.MQTTUsername != "" {
		clientOpts.SetUsername(cfg.MQTTUsername)
	}
	if cfg.MQTTPassword != "" {
		clientOpts.SetPassword(cfg.MQTTPassword)
	}

	b.conn = mqtt.NewClient(clientOpts)
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.forwardEvents()

	return b, nil
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.connected.Store(true)

	filters := map[string]byte{
		b.prefix + "/control": 1,
		b.prefix + "/audio":   0,
	}
	b.log.Info().Str("prefix", b.prefix).Msg("mqtt connected, subscribing")

	token := client.SubscribeMultiple(filters, b.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	switch msg.Topic() {
	case b.prefix + "/control":
		b.handleControl(msg.Payload())
	case b.prefix + "/audio":
		b.handleAudio(msg.Payload())
	default:
		b.log.Debug().Str("topic", msg.Topic()).Msg("unexpected mqtt topic")
	}
}

func (b *Bridge) handleControl(payload []byte) {
	metrics.MQTTMessagesTotal.WithLabelValues("control").Inc()

	var cmd controlMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.log.Warn().Err(err).Msg("malformed control message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd.Action {
	case "start":
		sess, err := b.ctrl.Start(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("mqtt start rejected")
			return
		}
		b.log.Info().Str("session_id", sess.ID).Msg("session started via mqtt")
	case "stop":
		if _, err := b.ctrl.Stop(ctx); err != nil {
			b.log.Warn().Err(err).Msg("mqtt stop rejected")
		}
	default:
		b.log.Warn().Str("action", cmd.Action).Msg("unknown control action")
	}
}

func (b *Bridge) handleAudio(payload []byte) {
	metrics.MQTTMessagesTotal.WithLabelValues("audio").Inc()

	if b.audio == nil {
		b.log.Warn().Msg("audio message dropped: no queue device configured")
		return
	}

	var msg audioMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.Warn().Err(err).Msg("malformed audio message")
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		b.log.Warn().Err(err).Msg("audio message has invalid base64 payload")
		return
	}
	if !b.audio.Push(data, msg.Duration) {
		metrics.MQTTMessagesTotal.WithLabelValues("audio_dropped").Inc()
		b.log.Warn().Int("bytes", len(data)).Msg("audio fragment dropped: queue full or closed")
	}
}

// forwardEvents republishes live transcript events onto the broker.
// Segments go to {prefix}/transcript, lifecycle events to {prefix}/events.
func (b *Bridge) forwardEvents() {
	defer b.wg.Done()

	events, cancel := b.bus.Subscribe(transcript.EventFilter{})
	defer cancel()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			b.publishEvent(e)
		case <-b.stop:
			return
		}
	}
}

func (b *Bridge) publishEvent(e transcript.StreamEvent) {
	topic := b.prefix + "/events"
	if e.Type == transcript.EventSegment {
		topic = b.prefix + "/transcript"
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	token := b.conn.Publish(topic, 0, false, payload)
	metrics.MQTTMessagesTotal.WithLabelValues("published").Inc()

	// Fire and forget, but surface broker errors in the log.
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

func (b *Bridge) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
	b.log.Info().Msg("disconnecting mqtt bridge")
	b.conn.Disconnect(1000)
}

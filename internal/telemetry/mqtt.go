// Package telemetry publishes fire-and-forget JSON messages describing
// control-state transitions and completed picks to an MQTT broker, for
// a fleet dashboard. Disabled by default; the robot never depends on
// it to resume state after a restart.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/wfunc/egg-collector/internal/config"
	"github.com/wfunc/egg-collector/internal/control"
	"github.com/wfunc/egg-collector/internal/logger"
	"github.com/wfunc/egg-collector/internal/protocol"
)

// TransitionMessage is the JSON payload published on every control
// state transition.
type TransitionMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// PickDoneMessage is the JSON payload published once per completed
// PickControl command, acked (Success true) or given up on (false).
type PickDoneMessage struct {
	Peer       string `json:"peer"`
	Success    bool   `json:"success"`
	LatencyMS  int64  `json:"latency_ms"`
	Timestamp  int64  `json:"timestamp"`
}

// Publisher wraps a paho MQTT client and publishes the two topics
// configured in MQTTConfig.Topics.
type Publisher struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	log    *zap.Logger
}

// NewPublisher connects to cfg.Broker and returns a Publisher. Callers
// should check cfg.Enabled before calling this.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(cfg.AutoReconnect).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.PingTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.PingTimeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("mqtt connect timed out")
		}
		return nil, err
	}

	return &Publisher{client: client, cfg: cfg, log: logger.GetModuleLogger("telemetry")}, nil
}

// PublishTransition publishes a TransitionMessage to the configured
// transition topic. Failures are logged, never returned: telemetry is
// best-effort and must never block control flow.
func (p *Publisher) PublishTransition(from, to control.StateKind) {
	p.publish(p.cfg.Topics.Transition, buildTransitionMessage(from, to))
}

// PublishPickDone publishes a PickDoneMessage whenever a PickControl
// command completes (acked or given up on). Results for any other
// command kind are ignored.
func (p *Publisher) PublishPickDone(result control.CommandResult) {
	msg, ok := buildPickDoneMessage(result)
	if !ok {
		return
	}
	p.publish(p.cfg.Topics.PickDone, msg)
}

func buildTransitionMessage(from, to control.StateKind) TransitionMessage {
	return TransitionMessage{From: from.String(), To: to.String(), Timestamp: time.Now().Unix()}
}

func buildPickDoneMessage(result control.CommandResult) (PickDoneMessage, bool) {
	if result.Kind != protocol.CmdPickControl {
		return PickDoneMessage{}, false
	}
	return PickDoneMessage{
		Peer:      result.Peer.String(),
		Success:   result.Success,
		LatencyMS: result.Latency.Milliseconds(),
		Timestamp: time.Now().Unix(),
	}, true
}

func (p *Publisher) publish(topic string, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.LogTelemetryPublish(topic, err)
		return
	}
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)
	go func() {
		token.Wait()
		logger.LogTelemetryPublish(topic, token.Error())
	}()
}

// Close disconnects the MQTT client, waiting up to 250ms for in-flight
// publishes to drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

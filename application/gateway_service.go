package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const DefaultReportInterval = 30 * time.Second

// ErrGaveUp is returned by GatewayService.Run when the retry task finished
// without connecting and no other task took over.
var ErrGaveUp = errors.New("mqtt: gave up connecting to broker")

type GatewayService interface {
	Run(ctx context.Context) error
}

type Subscription struct {
	Topic string
	QoS   byte
}

type GatewayServiceParams struct {
	ClientID string

	// StatusTopic receives retained online/offline messages.
	StatusTopic string
	// ReportTopic receives periodic connection reports. Empty disables publishing them.
	ReportTopic    string
	ReportInterval time.Duration
	QoS            byte

	Subscriptions []Subscription

	NewClientFunc func(observer Observer, onMessage MessageHandler) (MQTTClient, error)

	Log zerolog.Logger
}

func (p *GatewayServiceParams) EnsureDefaults() {
	if p.ReportInterval == 0 {
		p.ReportInterval = DefaultReportInterval
	}
}

type gatewayService struct {
	params GatewayServiceParams

	client MQTTClient

	connectedCh chan struct{}
	finishedCh  chan bool
	// taskConnected records whether the current retry task reached the broker.
	taskConnected atomic.Bool
	received      atomic.Uint64

	log zerolog.Logger
}

func NewGatewayService(params GatewayServiceParams) (GatewayService, error) {
	if params.NewClientFunc == nil {
		return nil, fmt.Errorf("NewClientFunc is nil")
	}
	if params.StatusTopic == "" {
		return nil, fmt.Errorf("status topic is required")
	}
	if params.QoS > maxQoS {
		return nil, fmt.Errorf("invalid QoS %d", params.QoS)
	}
	params.EnsureDefaults()

	g := &gatewayService{
		params:      params,
		connectedCh: make(chan struct{}, 1),
		finishedCh:  make(chan bool, 1),
		log:         params.Log,
	}

	client, err := params.NewClientFunc(g, g.handleMessage)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	g.client = client

	return g, nil
}

func (g *gatewayService) Run(ctx context.Context) error {
	g.client.Start()
	defer g.shutdown()

	grp, ctx := errgroup.WithContext(ctx)

	// connection lifecycle
	grp.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-g.connectedCh:
				g.onConnected()
			case connected := <-g.finishedCh:
				if connected || ctx.Err() != nil {
					continue
				}
				// a task cancelled by a reconnect restart has a successor
				if g.client.Retrying() || g.client.IsConnected() {
					continue
				}
				return ErrGaveUp
			}
		}
	})

	// connection report
	grp.Go(func() error {
		ticker := time.NewTicker(g.params.ReportInterval)
		defer ticker.Stop()
		lastStatus := ConnectionStatus{}

	ReporterLoop:
		for {
			select {
			case <-ctx.Done():
				break ReporterLoop
			case <-ticker.C:
				newStatus := g.client.Status()
				g.report(lastStatus, newStatus)
				lastStatus = newStatus
			}
		}

		return nil
	})

	return grp.Wait()
}

func (g *gatewayService) onConnected() {
	for _, sub := range g.params.Subscriptions {
		if err := g.client.Subscribe(sub.Topic, sub.QoS); err != nil {
			g.log.Warn().Err(err).Str("topic", sub.Topic).Msg("subscribe failed")
			continue
		}
		g.log.Info().Str("topic", sub.Topic).Uint8("qos", sub.QoS).Msg("subscribed")
	}

	g.publishStatus(StatusMessage("online", g.params.ClientID, ""))
}

func (g *gatewayService) shutdown() {
	if g.client.IsConnected() {
		g.publishStatus(StatusMessage("offline", g.params.ClientID, "graceful_shutdown"))
	}
	g.client.Stop()
}

func (g *gatewayService) publishStatus(payload []byte) {
	ok, err := g.client.Publish(g.params.StatusTopic, payload, g.params.QoS, true)
	switch {
	case err != nil:
		g.log.Warn().Err(err).Msg("status publish failed")
	case !ok:
		g.log.Warn().Msg("status publish timed out")
	}
}

func (g *gatewayService) report(last, current ConnectionStatus) {
	g.log.Info().
		Uint64("msg_per_min", messagesPerMinute(last, current)).
		Uint64("msg_received", g.received.Load()).
		Bool("is_connected", current.Connected).
		Time("last_time_published", current.LastTimePublished).
		Msg("connection report")

	if g.params.ReportTopic == "" || !current.Connected {
		return
	}

	payload, err := json.Marshal(connectionReport{
		ClientID:          g.params.ClientID,
		MessageCount:      current.MessageCount,
		MessagesReceived:  g.received.Load(),
		LastTimePublished: current.LastTimePublished.UTC().Format(time.RFC3339),
	})
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to encode connection report")
		return
	}
	if _, err := g.client.Publish(g.params.ReportTopic, payload, g.params.QoS, false); err != nil {
		g.log.Warn().Err(err).Msg("report publish failed")
	}
}

// messagesPerMinute is the publish rate between two status samples.
func messagesPerMinute(last, current ConnectionStatus) uint64 {
	if !last.Connected || current.MessageCount < last.MessageCount {
		return 0
	}
	msgCountDiff := current.MessageCount - last.MessageCount
	timeDiff := current.LastTimePublished.Unix() - last.LastTimePublished.Unix()
	if timeDiff <= 0 {
		return 0
	}
	return msgCountDiff * 60 / uint64(timeDiff)
}

func (g *gatewayService) handleMessage(topic string, payload []byte) {
	g.received.Add(1)
	g.log.Debug().Str("topic", topic).Int("size", len(payload)).Msg("message received")
}

func (g *gatewayService) Connected() {
	g.taskConnected.Store(true)
	select {
	case g.connectedCh <- struct{}{}:
	default:
	}
}

func (g *gatewayService) ConnectionThreadFinished() {
	connected := g.taskConnected.Swap(false)
	select {
	case g.finishedCh <- connected:
	default:
	}
}

func (g *gatewayService) Disconnected(reason DisconnectReason) {
	g.log.Warn().Stringer("reason", reason).Msg("connection to broker lost")
}

type connectionReport struct {
	ClientID          string `json:"client_id"`
	MessageCount      uint64 `json:"message_count"`
	MessagesReceived  uint64 `json:"messages_received"`
	LastTimePublished string `json:"last_time_published"`
}

type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// StatusMessage builds the JSON payload published on the status topic. It is
// also used as the last will, with reason "unexpected_disconnect".
func StatusMessage(status, clientID, reason string) []byte {
	b, _ := json.Marshal(statusMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

var _ Observer = &gatewayService{}

package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) Start() {
	m.Called()
}

func (m *MockMQTTClient) Stop() {
	m.Called()
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retain bool) (bool, error) {
	args := m.Called(topic, payload, qos, retain)
	return args.Bool(0), args.Error(1)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte) error {
	args := m.Called(topic, qos)
	return args.Error(0)
}

func (m *MockMQTTClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Retrying() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockMQTTClient) Status() ConnectionStatus {
	args := m.Called()
	return args.Get(0).(ConnectionStatus)
}

var _ MQTTClient = &MockMQTTClient{}

func newTestGatewayService(t *testing.T, mClient *MockMQTTClient, configure func(p *GatewayServiceParams)) (*gatewayService, Observer, MessageHandler) {
	t.Helper()

	var observer Observer
	var onMessage MessageHandler

	params := GatewayServiceParams{
		ClientID:       "test",
		StatusTopic:    "mqtt-link/status",
		ReportInterval: time.Hour,
		QoS:            1,
		NewClientFunc: func(o Observer, h MessageHandler) (MQTTClient, error) {
			observer = o
			onMessage = h
			return mClient, nil
		},
		Log: zerolog.Nop(),
	}
	if configure != nil {
		configure(&params)
	}

	svc, err := NewGatewayService(params)
	require.NoError(t, err)
	require.NotNil(t, observer)
	require.NotNil(t, onMessage)

	return svc.(*gatewayService), observer, onMessage
}

func statusIs(status, reason string) interface{} {
	return mock.MatchedBy(func(payload []byte) bool {
		var msg statusMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return false
		}
		return msg.Status == status && msg.Reason == reason && msg.ClientID == "test"
	})
}

func TestNewGatewayService(t *testing.T) {
	newClient := func(Observer, MessageHandler) (MQTTClient, error) { return &MockMQTTClient{}, nil }

	_, err := NewGatewayService(GatewayServiceParams{StatusTopic: "status"})
	assert.Error(t, err)

	_, err = NewGatewayService(GatewayServiceParams{NewClientFunc: newClient})
	assert.Error(t, err)

	_, err = NewGatewayService(GatewayServiceParams{StatusTopic: "status", QoS: 3, NewClientFunc: newClient})
	assert.Error(t, err)

	_, err = NewGatewayService(GatewayServiceParams{
		StatusTopic: "status",
		NewClientFunc: func(Observer, MessageHandler) (MQTTClient, error) {
			return nil, errors.New("boom")
		},
	})
	assert.Error(t, err)

	svc, err := NewGatewayService(GatewayServiceParams{StatusTopic: "status", NewClientFunc: newClient})
	require.NoError(t, err)
	assert.Equal(t, DefaultReportInterval, svc.(*gatewayService).params.ReportInterval)
}

func TestGatewayService_Run(t *testing.T) {
	mClient := &MockMQTTClient{}
	svc, observer, _ := newTestGatewayService(t, mClient, func(p *GatewayServiceParams) {
		p.Subscriptions = []Subscription{{Topic: "devices/#", QoS: 1}, {Topic: "admin/#", QoS: 0}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mClient.On("Start").Run(func(args mock.Arguments) {
		observer.Connected()
		observer.ConnectionThreadFinished()
	}).Once()
	mClient.On("Subscribe", "devices/#", byte(1)).Return(nil).Once()
	mClient.On("Subscribe", "admin/#", byte(0)).Return(errors.New("not authorized")).Once()
	mClient.On("Publish", "mqtt-link/status", statusIs("online", ""), byte(1), true).Run(func(args mock.Arguments) {
		cancel()
	}).Return(true, nil).Once()
	mClient.On("IsConnected").Return(true).Once()
	mClient.On("Publish", "mqtt-link/status", statusIs("offline", "graceful_shutdown"), byte(1), true).Return(true, nil).Once()
	mClient.On("Stop").Once()

	err := (&gatewayServiceRunner{t: t}).run(ctx, svc)
	require.NoError(t, err)

	mClient.AssertExpectations(t)
}

func TestGatewayService_Run_GaveUp(t *testing.T) {
	mClient := &MockMQTTClient{}
	svc, observer, _ := newTestGatewayService(t, mClient, nil)

	mClient.On("Start").Run(func(args mock.Arguments) {
		observer.ConnectionThreadFinished()
	}).Once()
	mClient.On("Retrying").Return(false).Once()
	mClient.On("IsConnected").Return(false).Twice()
	mClient.On("Stop").Once()

	err := (&gatewayServiceRunner{t: t}).run(context.Background(), svc)
	assert.ErrorIs(t, err, ErrGaveUp)

	mClient.AssertExpectations(t)
}

func TestGatewayService_Run_Reconnect(t *testing.T) {
	mClient := &MockMQTTClient{}
	svc, observer, _ := newTestGatewayService(t, mClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := 0
	mClient.On("Start").Run(func(args mock.Arguments) {
		observer.Connected()
		observer.ConnectionThreadFinished()
	}).Once()
	mClient.On("Publish", "mqtt-link/status", statusIs("online", ""), byte(1), true).Run(func(args mock.Arguments) {
		published++
		if published == 1 {
			// connection lost and restored by a second retry task
			observer.Disconnected(DisconnectConnectionLost)
			observer.Connected()
			observer.ConnectionThreadFinished()
			return
		}
		cancel()
	}).Return(true, nil).Twice()
	mClient.On("IsConnected").Return(false).Once()
	mClient.On("Stop").Once()

	err := (&gatewayServiceRunner{t: t}).run(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	mClient.AssertExpectations(t)
}

func TestGatewayService_Run_TaskReplaced(t *testing.T) {
	mClient := &MockMQTTClient{}
	svc, observer, _ := newTestGatewayService(t, mClient, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first task is cancelled by a restart before it connects
	mClient.On("Start").Run(func(args mock.Arguments) {
		observer.ConnectionThreadFinished()
	}).Once()
	mClient.On("Retrying").Run(func(args mock.Arguments) {
		observer.Connected()
		observer.ConnectionThreadFinished()
	}).Return(true).Once()
	mClient.On("Publish", "mqtt-link/status", statusIs("online", ""), byte(1), true).Run(func(args mock.Arguments) {
		cancel()
	}).Return(true, nil).Once()
	mClient.On("IsConnected").Return(false).Once()
	mClient.On("Stop").Once()

	err := (&gatewayServiceRunner{t: t}).run(ctx, svc)
	require.NoError(t, err)

	mClient.AssertExpectations(t)
}

func TestGatewayService_Report(t *testing.T) {
	mClient := &MockMQTTClient{}
	svc, _, onMessage := newTestGatewayService(t, mClient, func(p *GatewayServiceParams) {
		p.ReportTopic = "mqtt-link/report"
		p.ReportInterval = 5 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	onMessage("devices/1", []byte("on"))
	onMessage("devices/2", []byte("off"))

	lastPublished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mClient.On("Start").Once()
	mClient.On("Status").Return(ConnectionStatus{
		MessageCount:      7,
		LastTimePublished: lastPublished,
		Connected:         true,
	})
	mClient.On("Publish", "mqtt-link/report", mock.MatchedBy(func(payload []byte) bool {
		var report connectionReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return false
		}
		return report.ClientID == "test" &&
			report.MessageCount == 7 &&
			report.MessagesReceived == 2 &&
			report.LastTimePublished == "2026-01-02T03:04:05Z"
	}), byte(1), false).Run(func(args mock.Arguments) {
		cancel()
	}).Return(true, nil)
	mClient.On("IsConnected").Return(false).Once()
	mClient.On("Stop").Once()

	err := (&gatewayServiceRunner{t: t}).run(ctx, svc)
	require.NoError(t, err)

	mClient.AssertExpectations(t)
}

func TestMessagesPerMinute(t *testing.T) {
	start := time.Unix(1000, 0)

	tests := []struct {
		name          string
		last, current ConnectionStatus
		want          uint64
	}{
		{
			name:    "not connected before",
			current: ConnectionStatus{MessageCount: 10, LastTimePublished: start, Connected: true},
			want:    0,
		},
		{
			name:    "one minute",
			last:    ConnectionStatus{MessageCount: 10, LastTimePublished: start, Connected: true},
			current: ConnectionStatus{MessageCount: 40, LastTimePublished: start.Add(time.Minute), Connected: true},
			want:    30,
		},
		{
			name:    "thirty seconds",
			last:    ConnectionStatus{MessageCount: 10, LastTimePublished: start, Connected: true},
			current: ConnectionStatus{MessageCount: 20, LastTimePublished: start.Add(30 * time.Second), Connected: true},
			want:    20,
		},
		{
			name:    "nothing published",
			last:    ConnectionStatus{MessageCount: 10, LastTimePublished: start, Connected: true},
			current: ConnectionStatus{MessageCount: 10, LastTimePublished: start, Connected: true},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, messagesPerMinute(tt.last, tt.current))
		})
	}
}

func TestStatusMessage(t *testing.T) {
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(StatusMessage("online", "test", ""), &msg))
	assert.Equal(t, "online", msg["status"])
	assert.Equal(t, "test", msg["client_id"])
	assert.NotContains(t, msg, "reason")

	ts, ok := msg["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)

	msg = nil
	require.NoError(t, json.Unmarshal(StatusMessage("offline", "test", "unexpected_disconnect"), &msg))
	assert.Equal(t, "unexpected_disconnect", msg["reason"])
}

// gatewayServiceRunner bounds Run so a broken test fails instead of hanging.
type gatewayServiceRunner struct {
	t *testing.T
}

func (r *gatewayServiceRunner) run(ctx context.Context, svc GatewayService) error {
	r.t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		r.t.Fatal("Run did not return")
		return nil
	}
}

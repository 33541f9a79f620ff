package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	DefaultRetryInterval = 10 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
)

// ErrorPolicy decides what the retry task does with a connect error that is
// neither a broker refusal nor a transport failure, such as ErrConfig.
type ErrorPolicy int

const (
	// ErrorPolicyExit logs the error and terminates the process.
	ErrorPolicyExit ErrorPolicy = iota
	// ErrorPolicyRetry keeps retrying with a capped exponential backoff.
	ErrorPolicyRetry
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyExit:
		return "exit"
	case ErrorPolicyRetry:
		return "retry"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseErrorPolicy accepts "exit" or "retry".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "exit":
		return ErrorPolicyExit, nil
	case "retry":
		return ErrorPolicyRetry, nil
	default:
		return 0, fmt.Errorf("unknown error policy %q", s)
	}
}

// RetryPolicy controls the retry task. A zero RetryInterval makes a single
// connect attempt.
type RetryPolicy struct {
	RetryInterval time.Duration
	AutoReconnect bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{RetryInterval: DefaultRetryInterval, AutoReconnect: true}
}

type ReconnectingConnectionParams struct {
	Host     string
	ClientID string
	Options  ConnectOptions

	RetryPolicy RetryPolicy
	ErrorPolicy ErrorPolicy
	// MaxBackoff caps the backoff used under ErrorPolicyRetry.
	MaxBackoff time.Duration

	Observer  Observer
	OnMessage MessageHandler

	NewTransportFunc NewTransportFunc
	PublishTimeout   time.Duration

	// Exit terminates the process under ErrorPolicyExit. Defaults to os.Exit.
	Exit func(code int)
	// After is the timer used between attempts. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time

	Log zerolog.Logger
}

func (p *ReconnectingConnectionParams) EnsureDefaults() {
	if p.MaxBackoff == 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}

	if p.Observer == nil {
		p.Observer = nopObserver{}
	}

	if p.Exit == nil {
		p.Exit = os.Exit
	}

	if p.After == nil {
		p.After = time.After
	}
}

// ReconnectingConnection keeps one AsyncConnection connected. A single retry
// task runs at a time; it connects, waits and retries until the connection
// is up, it gives up, or Stop is called.
type ReconnectingConnection struct {
	params ReconnectingConnectionParams

	conn *AsyncConnection

	autoReconnect atomic.Bool
	// settled is fired when a connect attempt succeeds so a waiting task
	// wakes up early.
	settled chan struct{}

	taskMu sync.Mutex
	task   *retryTask

	log zerolog.Logger
}

type retryTask struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
	done   atomic.Bool
}

func NewReconnectingConnection(params ReconnectingConnectionParams) (*ReconnectingConnection, error) {
	if params.RetryPolicy.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval cannot be negative")
	}
	params.EnsureDefaults()

	r := &ReconnectingConnection{
		params:  params,
		settled: make(chan struct{}, 1),
		log:     params.Log,
	}

	conn, err := NewAsyncConnection(AsyncConnectionParams{
		Host:             params.Host,
		NewTransportFunc: params.NewTransportFunc,
		Listener:         &connectionEvents{r: r},
		PublishTimeout:   params.PublishTimeout,
		Log:              params.Log,
	})
	if err != nil {
		return nil, err
	}
	r.conn = conn

	return r, nil
}

// Start launches the retry task, replacing any task that is still running.
func (r *ReconnectingConnection) Start() {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()

	r.autoReconnect.Store(r.params.RetryPolicy.AutoReconnect)
	r.restartTaskLocked()
}

// Stop disables auto reconnect, disconnects and waits for the retry task to
// exit. It is safe to call more than once.
func (r *ReconnectingConnection) Stop() {
	r.autoReconnect.Store(false)

	r.taskMu.Lock()
	defer r.taskMu.Unlock()

	t := r.task
	r.task = nil
	if t != nil {
		t.cancel()
	}

	r.conn.Disconnect()

	if t != nil {
		t.wg.Wait()
		// the task may have connected after the first Disconnect
		r.conn.Disconnect()
	}
}

func (r *ReconnectingConnection) restartTaskLocked() {
	if r.task != nil && !r.task.done.Load() {
		r.log.Warn().Msg("reconnect task already running, restarting it")
	}
	r.stopTaskLocked()

	ctx, cancel := context.WithCancel(context.Background())
	t := &retryTask{cancel: cancel}
	r.task = t
	t.wg.Go(func() {
		r.run(ctx)
		t.done.Store(true)
		r.params.Observer.ConnectionThreadFinished()
	})
}

func (r *ReconnectingConnection) stopTaskLocked() {
	if r.task == nil {
		return
	}
	r.task.cancel()
	r.task.wg.Wait()
	r.task = nil
}

func (r *ReconnectingConnection) run(ctx context.Context) {
	log := r.log.With().Str("task", "mqtt-reconnect-"+r.params.ClientID).Logger()
	log.Info().Msg("reconnect task running")

	interval := r.params.RetryPolicy.RetryInterval
	bo := r.newBackOff()

	for !r.conn.IsConnected() && ctx.Err() == nil {
		r.clearSettled()
		wait := interval

		log.Info().Str("host", r.params.Host).Msg("trying to connect")
		err := r.conn.Connect(r.params.Options)
		switch {
		case err == nil:
			bo.Reset()
		case errors.Is(err, ErrTransportFailure):
			log.Warn().Err(err).Msg("connect attempt failed")
		case r.params.ErrorPolicy == ErrorPolicyRetry:
			wait = bo.NextBackOff()
			log.Error().Err(err).Dur("backoff", wait).Msg("error during broker connect")
		default:
			log.Error().Err(err).Msg("error during broker connect, exiting")
			r.params.Exit(1)
			return
		}

		if ctx.Err() != nil {
			return
		}

		if r.conn.IsConnected() {
			break
		}

		if interval == 0 {
			log.Warn().Msg("not connected and retry disabled, giving up")
			break
		}

		r.waitSettled(ctx, wait)
	}

	if ctx.Err() == nil && r.conn.IsConnected() {
		log.Info().Msg("connected to broker")
		r.params.Observer.Connected()
	}
}

func (r *ReconnectingConnection) newBackOff() *backoff.ExponentialBackOff {
	initial := r.params.RetryPolicy.RetryInterval
	if initial == 0 {
		initial = backoff.DefaultInitialInterval
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         r.params.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

// waitSettled blocks until d elapses, a connect attempt succeeds or ctx is cancelled.
func (r *ReconnectingConnection) waitSettled(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-r.settled:
	case <-r.params.After(d):
	}
}

func (r *ReconnectingConnection) clearSettled() {
	select {
	case <-r.settled:
	default:
	}
}

func (r *ReconnectingConnection) fireSettled() {
	select {
	case r.settled <- struct{}{}:
	default:
	}
}

func (r *ReconnectingConnection) handleDisconnect(reason DisconnectReason) {
	r.params.Observer.Disconnected(reason)

	r.taskMu.Lock()
	defer r.taskMu.Unlock()

	if !r.autoReconnect.Load() {
		return
	}
	r.log.Info().Stringer("reason", reason).Msg("connection lost, reconnecting")
	r.restartTaskLocked()
}

func (r *ReconnectingConnection) Publish(topic string, payload []byte, qos byte, retain bool) (bool, error) {
	return r.conn.Publish(topic, payload, qos, retain)
}

func (r *ReconnectingConnection) Subscribe(topic string, qos byte) error {
	return r.conn.Subscribe(topic, qos)
}

// Retrying waits for a concurrent task restart to complete before answering.
func (r *ReconnectingConnection) Retrying() bool {
	r.taskMu.Lock()
	defer r.taskMu.Unlock()
	return r.task != nil && !r.task.done.Load()
}

func (r *ReconnectingConnection) IsConnected() bool {
	return r.conn.IsConnected()
}

func (r *ReconnectingConnection) Status() ConnectionStatus {
	return r.conn.Status()
}

// connectionEvents keeps the AsyncConnection callbacks off the public API.
type connectionEvents struct {
	r *ReconnectingConnection
}

func (e *connectionEvents) OnConnect() {
	e.r.fireSettled()
}

func (e *connectionEvents) OnDisconnect(reason DisconnectReason) {
	e.r.handleDisconnect(reason)
}

func (e *connectionEvents) OnMessage(topic string, payload []byte) {
	if e.r.params.OnMessage != nil {
		e.r.params.OnMessage(topic, payload)
	}
}

type nopObserver struct{}

func (nopObserver) Connected()                    {}
func (nopObserver) ConnectionThreadFinished()     {}
func (nopObserver) Disconnected(DisconnectReason) {}

var _ MQTTClient = &ReconnectingConnection{}

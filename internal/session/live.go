package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/pubsub"
)

// LinkState is the state of a session's live subscription.
type LinkState string

const (
	StateDisconnected LinkState = "Disconnected"
	StateConnecting   LinkState = "Connecting"
	StateSubscribed   LinkState = "Subscribed"
)

type linkTrigger string

const (
	triggerConnect       linkTrigger = "Connect"
	triggerSubscribed    linkTrigger = "Subscribed"
	triggerConnectFailed linkTrigger = "ConnectFailed"
	triggerRelease       linkTrigger = "Release"
)

// ErrTornDown is returned by Start when Stop ran before the connection was established.
var ErrTornDown = errors.New("live subscription torn down while connecting")

// LiveManager holds one session's subscriptions on the shared connection.
//
//	Disconnected --Connect--> Connecting --Subscribed--> Subscribed
//	Connecting --ConnectFailed|Release--> Disconnected
//	Subscribed --Release--> Disconnected
type LiveManager struct {
	pool    *pubsub.Pool
	topics  []string
	deliver func(message.Record)
	timeout time.Duration

	// generation is bumped by every Start and Stop; handlers read it without
	// taking mu so a transport can finish delivering while Stop unsubscribes.
	generation atomic.Uint64

	mu            sync.Mutex
	fsm           *stateless.StateMachine
	cancelConnect context.CancelFunc
	lease         *pubsub.Lease
	subs          []pubsub.Subscription
}

// NewLiveManager subscribes, once started, to the topics of both participants
// and hands every decoded record to deliver.
func NewLiveManager(pool *pubsub.Pool, pair Participants, timeout time.Duration, deliver func(message.Record)) *LiveManager {
	topics := []string{message.Topic(pair.Local)}
	if pair.Remote != pair.Local {
		topics = append(topics, message.Topic(pair.Remote))
	}

	m := &LiveManager{
		pool:    pool,
		topics:  topics,
		deliver: deliver,
		timeout: timeout,
	}
	m.fsm = m.newStateMachine()
	return m
}

func (m *LiveManager) newStateMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateDisconnected)

	fsm.Configure(StateDisconnected).
		Permit(triggerConnect, StateConnecting).
		Ignore(triggerRelease)

	fsm.Configure(StateConnecting).
		Permit(triggerSubscribed, StateSubscribed).
		Permit(triggerConnectFailed, StateDisconnected).
		Permit(triggerRelease, StateDisconnected).
		Ignore(triggerConnect)

	// Subscriptions are released on the way out, before the state resets.
	fsm.Configure(StateSubscribed).
		Permit(triggerRelease, StateDisconnected).
		Ignore(triggerConnect).
		OnExit(func(_ context.Context, _ ...any) error {
			m.releaseLocked()
			return nil
		})

	return fsm
}

// State returns the current link state.
func (m *LiveManager) State() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state()
}

func (m *LiveManager) state() LinkState {
	return m.fsm.MustState().(LinkState)
}

// Start connects and subscribes. Calling it while Connecting or Subscribed is
// a no-op, so repeated mounts never open a second subscription.
func (m *LiveManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if st := m.state(); st != StateDisconnected {
		m.mu.Unlock()
		logger.L.Debug("live subscription already active", "state", st)
		return nil
	}
	if err := m.fsm.Fire(triggerConnect); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("live subscription: %w", err)
	}
	gen := m.generation.Add(1)
	connCtx, cancel := context.WithTimeout(ctx, m.timeout)
	m.cancelConnect = cancel
	m.mu.Unlock()
	defer cancel()

	lease, subs, err := m.connect(connCtx, gen)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation.Load() || m.state() != StateConnecting {
		releaseAll(lease, subs)
		return ErrTornDown
	}
	m.cancelConnect = nil

	if err != nil {
		logger.L.Warn("live subscription failed; conversation is history only", "error", err)
		if fireErr := m.fsm.Fire(triggerConnectFailed); fireErr != nil {
			logger.L.Warn("FSM fire error", "error", fireErr)
		}
		return err
	}

	m.lease, m.subs = lease, subs
	logger.L.Info("live subscription established", "topics", m.topics)
	return m.fsm.Fire(triggerSubscribed)
}

func (m *LiveManager) connect(ctx context.Context, gen uint64) (*pubsub.Lease, []pubsub.Subscription, error) {
	lease, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	subs := make([]pubsub.Subscription, 0, len(m.topics))
	for _, topic := range m.topics {
		sub, err := lease.Conn().Subscribe(topic, m.handler(gen, topic))
		if err != nil {
			releaseAll(lease, subs)
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
	return lease, subs, nil
}

// handler decodes payloads for one generation; events that arrive after the
// generation ended are dropped.
func (m *LiveManager) handler(gen uint64, topic string) pubsub.Handler {
	return func(payload []byte) {
		if gen != m.generation.Load() {
			return
		}

		rec, err := message.Decode(payload)
		if err != nil {
			logger.L.Warn("dropping malformed live message", "topic", topic, "error", err)
			return
		}
		m.deliver(rec)
	}
}

// Stop releases the subscriptions, cancelling a connect in progress.
// It is safe to call in any state.
func (m *LiveManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation.Add(1)
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	return m.fsm.Fire(triggerRelease)
}

func (m *LiveManager) releaseLocked() {
	releaseAll(m.lease, m.subs)
	m.lease, m.subs = nil, nil
	logger.L.Debug("live subscription released", "topics", m.topics)
}

func releaseAll(lease *pubsub.Lease, subs []pubsub.Subscription) {
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			logger.L.Warn("unsubscribe failed", "error", err)
		}
	}
	if lease != nil {
		if err := lease.Release(); err != nil {
			logger.L.Warn("pubsub lease release failed", "error", err)
		}
	}
}

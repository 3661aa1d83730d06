package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/toolcore/internal/observability"
	"github.com/haasonsaas/toolcore/internal/process"
	"github.com/haasonsaas/toolcore/pkg/pluginsdk"
)

// Notifier is the subset of RpcClient the bus needs to push notifications.
type Notifier interface {
	Notify(ctx context.Context, socketPath, method string, params any, timeout time.Duration) error
}

// RunningChecker is the subset of ProcessManager the bus needs to decide
// whether a subscriber's daemon is reachable before dispatching to it.
type RunningChecker interface {
	IsRunning(name string) bool
}

// Bus holds the plugin subscription registry and fans out dispatched events
// as fire-and-forget JSON-RPC notifications.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]subscription

	notifier Notifier
	running  RunningChecker
	metrics  *observability.Metrics
	logger   *observability.Logger
	timeout  time.Duration

	// queue serializes notification delivery within one subscriber (a lane
	// per plugin name) so two events dispatched close together still reach
	// that plugin's socket in order, while distinct subscribers' lanes
	// proceed independently.
	queue *process.CommandQueue
}

// New creates an EventBus. metrics and logger may be nil.
func New(notifier Notifier, running RunningChecker, metrics *observability.Metrics, logger *observability.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[string]subscription),
		notifier:      notifier,
		running:       running,
		metrics:       metrics,
		logger:        logger,
		timeout:       2 * time.Second,
		queue:         process.NewCommandQueue(),
	}
}

// Subscribe validates and registers a plugin's interest in a set of events,
// replacing any prior subscription under the same plugin name.
func (b *Bus) Subscribe(pluginName, socketPath string, events []EventKind) error {
	if strings.TrimSpace(pluginName) == "" {
		return fmt.Errorf("eventbus: plugin name is required")
	}
	if !strings.HasPrefix(socketPath, "/") {
		return fmt.Errorf("eventbus: socket path %q must be absolute", socketPath)
	}
	if len(socketPath) > pluginsdk.MaxSocketPathLength {
		return fmt.Errorf("eventbus: socket path exceeds %d bytes: %s", pluginsdk.MaxSocketPathLength, socketPath)
	}
	if err := validateEvents(events); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[pluginName] = subscription{
		pluginName: pluginName,
		socketPath: socketPath,
		events:     dedupe(events),
	}
	return nil
}

// Unsubscribe removes a plugin's subscription. Unsubscribing an unknown
// plugin is a no-op.
func (b *Bus) Unsubscribe(pluginName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, pluginName)
}

// Dispatch returns immediately; matching subscribers are notified
// concurrently in the background, each through its own lane so a burst of
// events never reorders what one subscriber's socket receives.
func (b *Bus) Dispatch(kind EventKind, payload any) {
	go b.dispatchAsync(kind, payload)
}

func (b *Bus) dispatchAsync(kind EventKind, payload any) {
	subs := b.subscribersFor(kind)
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s subscription) {
			defer wg.Done()
			_, _ = process.EnqueueInLane(b.queue, process.CommandLane(s.pluginName), func(ctx context.Context) (struct{}, error) {
				b.deliver(s, kind, payload)
				return struct{}{}, nil
			}, nil)
		}(sub)
	}
	wg.Wait()
}

func (b *Bus) subscribersFor(kind EventKind) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []subscription
	for _, sub := range b.subscriptions {
		if sub.events[kind] {
			matched = append(matched, sub)
		}
	}
	return matched
}

// deliver sends one subscriber its notification, recovering from any panic
// so a single misbehaving plugin can never take down event dispatch.
func (b *Bus) deliver(sub subscription, kind EventKind, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.recordOutcome(kind, "error")
			if b.logger != nil {
				b.logger.Debug(context.Background(), "event dispatch panicked", "plugin", sub.pluginName, "event", kind, "panic", r)
			}
		}
	}()

	if b.running != nil && !b.running.IsRunning(sub.pluginName) {
		b.recordOutcome(kind, "error")
		return
	}

	params := map[string]any{
		"event_type": string(kind),
		"event_data": payload,
		"timestamp":  time.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if err := b.notifier.Notify(ctx, sub.socketPath, "on_event", params, b.timeout); err != nil {
		b.recordOutcome(kind, "error")
		if b.logger != nil {
			b.logger.Debug(context.Background(), "event dispatch failed", "plugin", sub.pluginName, "event", kind, "error", err)
		}
		return
	}
	b.recordOutcome(kind, "success")
}

func (b *Bus) recordOutcome(kind EventKind, status string) {
	if b.metrics != nil {
		b.metrics.RecordEventDispatch(string(kind), status)
	}
}

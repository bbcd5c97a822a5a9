package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth used when the
// caller does not configure one.
const DefaultSubscriberBuffer = 256

// Subscription is one subscriber's view of the bus. Events arrive on C()
// in publish order; the channel is closed when the subscription ends,
// whether by Close or by the bus dropping a subscriber that stopped
// draining.
type Subscription struct {
	id    string
	scope string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Scope returns the subscription scope: ScopeGlobal or a session id.
func (s *Subscription) Scope() string { return s.scope }

// Close unsubscribes and releases the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Bus is the in-process event router. See the package documentation for
// the publish contract.
type Bus struct {
	mu     sync.RWMutex
	rules  []Rule
	subs   []*Subscription
	runner AgentRunner

	bufferSize int
	logger     *slog.Logger
}

// NewBus creates a bus. subscriberBuffer <= 0 selects
// DefaultSubscriberBuffer.
func NewBus(logger *slog.Logger, subscriberBuffer int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		bufferSize: subscriberBuffer,
		logger:     logger.With("component", "events"),
	}
}

// SetAgentRunner wires the executor for agent-prompt handlers. Until one is
// set, agent rules record an error in the event metadata instead of running.
func (b *Bus) SetAgentRunner(runner AgentRunner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runner = runner
}

// RegisterRule adds a rule and returns its id (generated when empty).
func (b *Bus) RegisterRule(rule Rule) string {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, rule)
	return rule.ID
}

// UnregisterRule removes a rule by id.
func (b *Bus) UnregisterRule(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rules {
		if b.rules[i].ID == id {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the registered rules in registration order.
func (b *Bus) Rules() []Rule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Rule, len(b.rules))
	copy(out, b.rules)
	return out
}

// Subscribe opens a subscription. Scope is ScopeGlobal or a session id.
func (b *Bus) Subscribe(scope string) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		scope: scope,
		ch:    make(chan Event, b.bufferSize),
		bus:   b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscriptions for a scope.
// Informational only.
func (b *Bus) SubscriberCount(scope string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.scope == scope {
			n++
		}
	}
	return n
}

// Publish routes the event through rules and then to subscribers. It
// returns after rule handlers have run; subscriber delivery never blocks.
// Missing id and timestamp are filled in.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.runRules(ctx, &event)
	b.deliver(event)
	return nil
}

// runRules executes matching rules: concrete matches first, then wildcard
// fallbacks, each group in priority order (stable). Errors are collected
// into the event metadata under MetadataRuleErrors.
func (b *Bus) runRules(ctx context.Context, event *Event) {
	b.mu.RLock()
	var concrete, wildcard []Rule
	for _, rule := range b.rules {
		matched, byWildcard := rule.matches(event.Type)
		if !matched {
			continue
		}
		if byWildcard {
			wildcard = append(wildcard, rule)
		} else {
			concrete = append(concrete, rule)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(concrete, func(i, j int) bool { return concrete[i].Priority > concrete[j].Priority })
	sort.SliceStable(wildcard, func(i, j int) bool { return wildcard[i].Priority > wildcard[j].Priority })

	for _, rule := range append(concrete, wildcard...) {
		if err := b.runHandler(ctx, rule, *event); err != nil {
			b.logger.Error("rule handler failed",
				"rule_id", rule.ID,
				"event_type", event.Type,
				"error", err)
			recordRuleError(event, rule.ID, err)
		}
	}
}

func (b *Bus) runHandler(ctx context.Context, rule Rule, event Event) error {
	switch h := rule.Handler.(type) {
	case HandlerFunc:
		return h(ctx, event)
	case AgentHandler:
		b.mu.RLock()
		runner := b.runner
		b.mu.RUnlock()
		if runner == nil {
			return fmt.Errorf("agent handler registered but no agent runner configured")
		}
		return runner.RunRulePrompt(ctx, h.Prompt, event)
	case nil:
		return fmt.Errorf("rule has no handler")
	default:
		return fmt.Errorf("unknown handler kind")
	}
}

// deliver fans the event out to matching subscribers in registration
// order. A full subscriber queue marks that subscriber dead; dead
// subscribers are unsubscribed and their channels closed.
func (b *Bus) deliver(event Event) {
	var dead []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.scope != ScopeGlobal && sub.scope != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dead = append(dead, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dead {
		b.logger.Warn("dropping slow subscriber",
			"scope", sub.scope,
			"buffer", b.bufferSize)
		b.remove(sub)
	}
}

// remove unsubscribes and closes the channel exactly once. The close runs
// under the write lock so it cannot race a publisher's send (sends hold the
// read lock).
func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	target.once.Do(func() { close(target.ch) })
}

// Close drops every subscription. Rules stay registered.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func recordRuleError(event *Event, ruleID string, err error) {
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	entry := fmt.Sprintf("%s: %v", ruleID, err)
	if existing, ok := event.Metadata[MetadataRuleErrors].([]string); ok {
		event.Metadata[MetadataRuleErrors] = append(existing, entry)
		return
	}
	event.Metadata[MetadataRuleErrors] = []string{entry}
}

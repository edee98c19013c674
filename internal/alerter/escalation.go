package alerter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

// EscalateFunc is called when an unacknowledged alert escalates to
// additional channels.
type EscalateFunc func(alert types.Alert, channels []string)

// EscalationRule defines when and where to escalate an unacknowledged alert.
type EscalationRule struct {
	Channel string
	Delay   time.Duration
}

// EscalationRules builds the rule table from channel configuration
func EscalationRules(channels map[string]config.ChannelConfig) map[string]EscalationRule {
	rules := make(map[string]EscalationRule)
	for name, ch := range channels {
		if ch.EscalationDelay > 0 {
			rules[name] = EscalationRule{Channel: name, Delay: time.Duration(ch.EscalationDelay) * time.Second}
		}
	}
	return rules
}

// EscalationManager tracks unacknowledged alerts and triggers escalation
// after configured delays.
type EscalationManager struct {
	log        zerolog.Logger
	rules      map[string]EscalationRule // channel name -> rule
	onEscalate EscalateFunc
	mu         sync.Mutex
	timers     map[string]context.CancelFunc // alert key -> cancel func
}

// NewEscalationManager creates a new escalation manager.
func NewEscalationManager(log zerolog.Logger, rules map[string]EscalationRule, onEscalate EscalateFunc) *EscalationManager {
	return &EscalationManager{
		log:        log.With().Str("component", "escalation").Logger(),
		rules:      rules,
		onEscalate: onEscalate,
		timers:     make(map[string]context.CancelFunc),
	}
}

// StartEscalation begins an escalation timer for a fired alert. The timer
// uses the longest delay among the alert's channels that escalate.
func (m *EscalationManager) StartEscalation(alert types.Alert, channels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var escalationChannels []string
	var maxDelay time.Duration

	for _, ch := range channels {
		rule, ok := m.rules[ch]
		if !ok || rule.Delay <= 0 {
			continue
		}
		escalationChannels = append(escalationChannels, ch)
		if rule.Delay > maxDelay {
			maxDelay = rule.Delay
		}
	}

	if len(escalationChannels) == 0 {
		return
	}

	key := alert.Key
	// Cancel any existing timer for this key
	if cancel, ok := m.timers[key]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.timers[key] = cancel

	m.log.Debug().
		Str("key", key).
		Dur("delay", maxDelay).
		Strs("channels", escalationChannels).
		Msg("escalation timer started")

	go func() {
		timer := time.NewTimer(maxDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.mu.Lock()
			// A cancel that raced the timer wins.
			if ctx.Err() != nil {
				m.mu.Unlock()
				return
			}
			delete(m.timers, key)
			m.mu.Unlock()

			m.log.Warn().
				Str("key", key).
				Strs("channels", escalationChannels).
				Msg("escalating unacknowledged alert")
			if m.onEscalate != nil {
				m.onEscalate(alert, escalationChannels)
			}
		}
	}()
}

// CancelEscalation cancels pending escalation for an acknowledged or
// cleared alert.
func (m *EscalationManager) CancelEscalation(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.timers[key]; ok {
		cancel()
		delete(m.timers, key)
		m.log.Debug().Str("key", key).Msg("escalation cancelled")
	}
}

// Pending returns the number of running escalation timers
func (m *EscalationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels all pending escalation timers.
func (m *EscalationManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.timers {
		cancel()
		delete(m.timers, key)
	}
}

package errors

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"aegis/internal/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, execution allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, execution refused
	StateOpen
	// StateHalfOpen - probing whether the key recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseCircuitState(value string) CircuitState {
	switch value {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// SkipCodeBreakerOpen is the reason code attached to refusals from an open
// breaker.
const SkipCodeBreakerOpen = "breaker-open"

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int                                     // consecutive failures to open (default: 5)
	SuccessThreshold int                                     // consecutive half-open successes to close (default: 2)
	Cooldown         time.Duration                           // wait before attempting half-open (default: 30s)
	OnStateChange    func(from, to CircuitState, key string) // optional callback
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker implements the closed/open/half-open state machine for one
// key (a playbook id or an action signature). Open refuses execution until
// the cooldown elapses; half-open is the only path back to closed.
type CircuitBreaker struct {
	key    string
	config CircuitBreakerConfig
	logger logging.Logger

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	openedAt     time.Time
}

// NewCircuitBreaker creates a closed breaker for the given key.
func NewCircuitBreaker(key string, config CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitBreakerConfig().SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCircuitBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		key:    key,
		config: config,
		logger: logging.OrNop(logger),
		state:  StateClosed,
	}
}

// Allow checks whether an execution attempt may proceed. Callers that need to
// inspect outcomes use Allow/Mark rather than a wrapped Execute, because the
// outcome is recorded after the action engine has already classified it.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Cooldown {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker transitioning to half-open (testing recovery)", cb.key)
			return nil
		}
		remaining := cb.config.Cooldown - time.Since(cb.openedAt)
		return NewSkip(SkipCodeBreakerOpen, "circuit breaker open for %s, retry in %v", cb.key, remaining.Round(time.Second))

	case StateHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// Mark records an execution outcome. Pass nil for success.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.logger.Debug("[%s] success, resetting failure count", cb.key)
			cb.failureCount = 0
		}

	case StateHalfOpen:
		cb.successCount++
		cb.logger.Debug("[%s] success in half-open state (%d/%d)",
			cb.key, cb.successCount, cb.config.SuccessThreshold)
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker closed (recovered)", cb.key)
		}

	case StateOpen:
		// Outcome raced a trip from another goroutine; the open cooldown stands.
		cb.logger.Warn("[%s] unexpected success while open", cb.key)
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.logger.Debug("[%s] failure in closed state (%d/%d)",
			cb.key, cb.failureCount, cb.config.FailureThreshold)
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.setState(StateOpen)
			cb.logger.Warn("[%s] circuit breaker opened (too many failures)", cb.key)
		}

	case StateHalfOpen:
		cb.openedAt = time.Now()
		cb.setState(StateOpen)
		cb.successCount = 0
		cb.logger.Warn("[%s] circuit breaker reopened (probe failed)", cb.key)

	case StateOpen:
		cb.logger.Debug("[%s] failure while circuit open", cb.key)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState, cb.key)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually returns the breaker to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.openedAt = time.Time{}
	cb.logger.Info("[%s] circuit breaker manually reset from %s to closed", cb.key, oldState)
}

// CircuitSnapshot is the persistable view of one breaker.
type CircuitSnapshot struct {
	Key          string    `json:"key"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

func (cb *CircuitBreaker) snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitSnapshot{
		Key:          cb.key,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		OpenedAt:     cb.openedAt,
	}
}

func (cb *CircuitBreaker) restore(snap CircuitSnapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = parseCircuitState(snap.State)
	cb.failureCount = snap.FailureCount
	cb.successCount = snap.SuccessCount
	cb.openedAt = snap.OpenedAt
}

// CircuitBreakerManager manages breakers keyed by playbook id or action
// signature, creating them lazily with a shared config.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCircuitBreakerManager creates an empty manager.
func NewCircuitBreakerManager(config CircuitBreakerConfig, logger logging.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logging.OrNop(logger),
	}
}

// Get returns the breaker for key, creating it if absent.
func (m *CircuitBreakerManager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, ok := m.breakers[key]; ok {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if breaker, ok := m.breakers[key]; ok {
		return breaker
	}

	breaker := NewCircuitBreaker(key, m.config, m.logger)
	m.breakers[key] = breaker
	m.logger.Debug("created circuit breaker for %q", key)
	return breaker
}

// Reset returns the named breaker to closed. It reports whether the key was
// known; resetting an unknown key is not an error for the operator surface,
// but the caller may want to tell the user nothing happened.
func (m *CircuitBreakerManager) Reset(key string) bool {
	m.mu.RLock()
	breaker, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	breaker.Reset()
	return true
}

// ResetAll resets every breaker to closed.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, breaker := range m.breakers {
		breaker.Reset()
	}
	m.logger.Info("reset all circuit breakers")
}

// Snapshots returns persistable state for every breaker, sorted by key so the
// on-disk form is stable.
func (m *CircuitBreakerManager) Snapshots() []CircuitSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]CircuitSnapshot, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		snaps = append(snaps, breaker.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// Restore recreates breakers from persisted snapshots.
func (m *CircuitBreakerManager) Restore(snaps []CircuitSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snap := range snaps {
		breaker, ok := m.breakers[snap.Key]
		if !ok {
			breaker = NewCircuitBreaker(snap.Key, m.config, m.logger)
			m.breakers[snap.Key] = breaker
		}
		breaker.restore(snap)
	}
}

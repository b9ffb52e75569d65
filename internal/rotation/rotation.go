// Package rotation implements the identity rotation state machine: a cursor
// into the valid identity set plus the usage and consecutive-failure
// counters that decide when the browser worker is restarted under a new
// identity.
package rotation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/AIStudioProxyAPI/internal/bridge"
	"github.com/router-for-me/AIStudioProxyAPI/internal/bridgeerr"
	"github.com/router-for-me/AIStudioProxyAPI/internal/registry"
)

// Worker is the bridge surface the machine drives.
type Worker interface {
	Launch(ctx context.Context, identity registry.Identity) error
	Restart(ctx context.Context, identity registry.Identity) error
	Teardown(cause *bridgeerr.Error)
	State() bridge.State
}

// Machine tracks the active identity cursor and its counters. The cursor is
// either a valid index or the sentinel -1 when no browser is running.
type Machine struct {
	registry *registry.Registry
	worker   Worker

	switchOnUses     int
	failureThreshold int

	mu           sync.Mutex
	cursor       int
	usageCount   int64
	failureCount int64

	busy         atomic.Bool
	switchFlight singleflight.Group
}

// NewMachine builds the machine in the Idle state.
func NewMachine(reg *registry.Registry, worker Worker, switchOnUses, failureThreshold int) *Machine {
	return &Machine{
		registry:         reg,
		worker:           worker,
		switchOnUses:     switchOnUses,
		failureThreshold: failureThreshold,
		cursor:           -1,
	}
}

// Busy reports whether a switch is in progress. Requests observing it fail
// fast with 503 rather than waiting.
func (m *Machine) Busy() bool {
	return m.busy.Load()
}

// Snapshot describes the machine for the status endpoint.
type Snapshot struct {
	Cursor       int    `json:"activeIndex"`
	UsageCount   int64  `json:"usageCount"`
	FailureCount int64  `json:"failureCount"`
	State        string `json:"state"`
}

// Snapshot returns the current counters and state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Cursor:       m.cursor,
		UsageCount:   m.usageCount,
		FailureCount: m.failureCount,
		State:        m.worker.State().String(),
	}
}

// EnsureActive makes sure a worker is running and returns its identity. From
// Idle it launches the first valid identity, walking forward on launch
// failures for at most one full cycle.
func (m *Machine) EnsureActive(ctx context.Context) (registry.Identity, error) {
	if m.busy.Load() {
		return registry.Identity{}, bridgeerr.BrowserRestarting()
	}

	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	if m.worker.State() == bridge.StateActive {
		if identity, ok := m.registry.Lookup(cursor); ok {
			return identity, nil
		}
	}

	identity, ok := m.registry.First()
	if !ok {
		return registry.Identity{}, bridgeerr.NoIdentity()
	}

	var lastErr error
	for attempt := 0; attempt < m.registry.Count(); attempt++ {
		if err := m.worker.Launch(ctx, identity); err != nil {
			log.Warnf("rotation: launch with identity %d failed: %v", identity.Index, err)
			lastErr = err
			next, okNext := m.registry.Next(identity.Index)
			if !okNext {
				break
			}
			identity = next
			continue
		}
		m.activate(identity.Index)
		return identity, nil
	}
	if lastErr == nil {
		lastErr = bridgeerr.NoIdentity()
	}
	return registry.Identity{}, lastErr
}

// activate moves the cursor and zeroes both counters; every transition into
// Active passes through here.
func (m *Machine) activate(index int) {
	m.mu.Lock()
	m.cursor = index
	m.usageCount = 0
	m.failureCount = 0
	m.mu.Unlock()
}

// RecordSuccess increments the usage counter and clears consecutive
// failures. When the use threshold is crossed a switch is triggered
// asynchronously so the current response is not delayed.
func (m *Machine) RecordSuccess() {
	m.mu.Lock()
	m.usageCount++
	m.failureCount = 0
	usage := m.usageCount
	m.mu.Unlock()

	if m.switchOnUses > 0 && usage >= int64(m.switchOnUses) {
		go func() {
			if err := m.SwitchToNext(context.Background()); err != nil {
				log.Warnf("rotation: use-triggered switch failed: %v", err)
			}
		}()
	}
}

// RecordFailure increments the consecutive-failure counter and reports
// whether the failure threshold has been crossed.
func (m *Machine) RecordFailure() bool {
	m.mu.Lock()
	m.failureCount++
	failures := m.failureCount
	m.mu.Unlock()
	return m.failureThreshold > 0 && failures >= int64(m.failureThreshold)
}

// SwitchToNext rotates to the successor of the current cursor. Concurrent
// callers coalesce into the single in-flight switch.
func (m *Machine) SwitchToNext(ctx context.Context) error {
	m.mu.Lock()
	cursor := m.cursor
	m.mu.Unlock()

	target, ok := m.registry.AtOrAfter(cursor + 1)
	if !ok {
		return bridgeerr.NoIdentity()
	}
	return m.switchTo(ctx, target)
}

// SwitchTo rotates to an explicit identity index.
func (m *Machine) SwitchTo(ctx context.Context, index int) error {
	target, ok := m.registry.Lookup(index)
	if !ok {
		return bridgeerr.BadRequest("identity %d is not in the valid set", index)
	}
	return m.switchTo(ctx, target)
}

// switchTo restarts the worker under target, walking forward through the
// valid set on failures for at most one full cycle before giving up and
// moving to Idle.
func (m *Machine) switchTo(ctx context.Context, target registry.Identity) error {
	_, err, _ := m.switchFlight.Do("switch", func() (any, error) {
		m.busy.Store(true)
		defer m.busy.Store(false)

		identity := target
		for attempt := 0; attempt < m.registry.Count(); attempt++ {
			if errRestart := m.worker.Restart(ctx, identity); errRestart != nil {
				log.Warnf("rotation: restart with identity %d failed: %v", identity.Index, errRestart)
				next, ok := m.registry.Next(identity.Index)
				if !ok {
					break
				}
				identity = next
				continue
			}
			m.activate(identity.Index)
			log.Infof("rotation: switched to identity %d (%s)", identity.Index, identity.Name)
			return nil, nil
		}

		// One full cycle exhausted: no identity can carry the worker.
		m.worker.Teardown(bridgeerr.BrowserUnavailable("no identity could restart the browser"))
		m.mu.Lock()
		m.cursor = -1
		m.mu.Unlock()
		log.Errorf("rotation: all identities failed, worker is down")
		return nil, fmt.Errorf("rotation: %w", bridgeerr.BrowserUnavailable("all identities exhausted"))
	})
	return err
}

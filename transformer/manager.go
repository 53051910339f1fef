// Package transformer runs per-device parse rules on a JavaScript runtime.
package transformer

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/data-ingest/logger"
)

// Manager holds the compiled parse rule of every device. It implements
// device.Parser.
type Manager struct {
	programs map[string]*Program
	budget   time.Duration
	mutex    sync.RWMutex
}

// NewManager creates a manager evaluating rules under budget. Zero or less
// selects DefaultBudget.
func NewManager(budget time.Duration) *Manager {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Manager{
		programs: make(map[string]*Program),
		budget:   budget,
	}
}

// SetRule compiles rule for deviceID, replacing any previous rule. An empty
// rule removes it. The previous rule stays active when compilation fails.
func (m *Manager) SetRule(deviceID, rule string) error {
	if rule == "" {
		m.RemoveRule(deviceID)
		return nil
	}
	program, err := Compile(rule)
	if err != nil {
		return fmt.Errorf("parse rule of device %s: %w", deviceID, err)
	}

	m.mutex.Lock()
	prev, replaced := m.programs[deviceID]
	m.programs[deviceID] = program
	m.mutex.Unlock()

	switch {
	case !replaced:
		logger.Info("loaded parse rule for device %s", deviceID)
	case prev.Source() != program.Source():
		logger.Info("reloaded parse rule for device %s", deviceID)
	}
	return nil
}

// LoadFile reads a rule script from path and sets it for deviceID.
func (m *Manager) LoadFile(deviceID, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load script file %s: %v", path, err)
	}
	return m.SetRule(deviceID, string(script))
}

// RemoveRule drops the rule of deviceID.
func (m *Manager) RemoveRule(deviceID string) {
	m.mutex.Lock()
	_, ok := m.programs[deviceID]
	delete(m.programs, deviceID)
	m.mutex.Unlock()
	if ok {
		logger.Debug("removed parse rule for device %s", deviceID)
	}
}

// Rule returns the rule source of deviceID.
func (m *Manager) Rule(deviceID string) (string, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.programs[deviceID]
	if !ok {
		return "", false
	}
	return p.Source(), true
}

// Devices lists the devices with a rule, sorted.
func (m *Manager) Devices() []string {
	m.mutex.RLock()
	ids := make([]string, 0, len(m.programs))
	for id := range m.programs {
		ids = append(ids, id)
	}
	m.mutex.RUnlock()
	sort.Strings(ids)
	return ids
}

// Parse applies the rule of deviceID to raw. ok is false when the device has
// no rule.
func (m *Manager) Parse(deviceID string, raw string) (interface{}, bool, error) {
	m.mutex.RLock()
	program, exists := m.programs[deviceID]
	m.mutex.RUnlock()
	if !exists {
		return nil, false, nil
	}

	result, err := program.Run(raw, m.budget)
	if err != nil {
		return nil, true, fmt.Errorf("parse rule failed: %v", err)
	}
	return result, true, nil
}

// Package settings persists the handful of crash-reporting flags that must
// survive process death: the first-crash flag and the reporting cohort
// token.
package settings

import "sync"

// Store is the key-value collaborator holding crash-reporting state.
type Store interface {
	// FirstCrash reports whether this installation has ever processed a
	// crash session. It starts true and latches false.
	FirstCrash() (bool, error)
	ClearFirstCrash() error

	// CohortToken returns the backend-assigned cohort id, or "" when none
	// has been assigned yet.
	CohortToken() (string, error)
	SetCohortToken(token string) error
	ClearCohortToken() error

	Close() error
}

// Memory is an in-memory Store for tests and ephemeral hosts.
type Memory struct {
	mu         sync.Mutex
	firstCrash bool
	cohort     string
}

func NewMemory() *Memory {
	return &Memory{firstCrash: true}
}

func (m *Memory) FirstCrash() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstCrash, nil
}

func (m *Memory) ClearFirstCrash() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstCrash = false
	return nil
}

func (m *Memory) CohortToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cohort, nil
}

func (m *Memory) SetCohortToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cohort = token
	return nil
}

func (m *Memory) ClearCohortToken() error {
	return m.SetCohortToken("")
}

func (m *Memory) Close() error { return nil }

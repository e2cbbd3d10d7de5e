package credstore

import "sync"

// Memory is an in-memory credential store for tests and the load tool.
type Memory struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func (m *Memory) Tokens() (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access, m.refresh, nil
}

func (m *Memory) SaveTokens(access, refresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access, m.refresh = access, refresh
	return nil
}

func (m *Memory) Clear() error {
	return m.SaveTokens("", "")
}

func (m *Memory) AccessToken() (string, error) {
	access, _, err := m.Tokens()
	return access, err
}

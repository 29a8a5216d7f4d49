package model

import (
	"context"
	"sync"
)

// MockModel is a scripted ChatModel for tests. Responses are returned in
// order; the last response repeats once the script runs out.
type MockModel struct {
	mu        sync.Mutex
	responses []ChatOut
	err       error
	calls     [][]Message
}

// NewMockModel creates a MockModel that replies with the given outputs.
func NewMockModel(responses ...ChatOut) *MockModel {
	return &MockModel{responses: responses}
}

// FailWith makes every Chat call return err.
func (m *MockModel) FailWith(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Chat implements ChatModel.
func (m *MockModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return ChatOut{}, m.err
	}
	if len(m.responses) == 0 {
		return ChatOut{Text: "ok"}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// Calls returns the message lists Chat received, in order.
func (m *MockModel) Calls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Message, len(m.calls))
	copy(out, m.calls)
	return out
}

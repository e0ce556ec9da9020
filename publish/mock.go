package publish

import (
	"errors"
	"sync"
)

var errPublishFailed = errors.New("publish failed")

// MockSink records published messages for inspection in tests.
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage
	failures int
}

// MockMessage is a published message captured by MockSink.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// FailNext makes the next n Publish calls return an error.
func (m *MockSink) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return errPublishFailed
	}

	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (m *MockSink) Close() error { return nil }

// Messages returns a copy of the captured messages.
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Reset clears all recorded messages.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

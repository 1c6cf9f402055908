package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger is a Logger for tests built on testify's mock.
//
// Only methods with a registered expectation are recorded; the others are ignored, so a
// MockLogger can be handed to a component that logs far more than the test asserts on.
// With returns the receiver unless an expectation for "With" is registered.
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) expects(method string) bool {
	for _, call := range m.ExpectedCalls {
		if call.Method == method {
			return true
		}
	}

	return false
}

func (m *MockLogger) record(method string, msg string, keysAndValues []any) {
	if m.expects(method) {
		m.MethodCalled(method, msg, keysAndValues)
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.record("Debug", msg, keysAndValues)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.record("Info", msg, keysAndValues)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.record("Warn", msg, keysAndValues)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.record("Error", msg, keysAndValues)
}

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) {
	m.record("Fatal", msg, keysAndValues)
}

func (m *MockLogger) SetLevel(level LogLevel) {
	if m.expects("SetLevel") {
		m.MethodCalled("SetLevel", level)
	}
}

func (m *MockLogger) Level() LogLevel {
	if !m.expects("Level") {
		return DebugLevel
	}
	args := m.MethodCalled("Level")

	return args.Get(0).(LogLevel) //nolint:forcetypeassert
}

func (m *MockLogger) With(keyValues ...any) Logger {
	if !m.expects("With") {
		return m
	}
	args := m.MethodCalled("With", keyValues...)

	return args.Get(0).(Logger) //nolint:forcetypeassert
}

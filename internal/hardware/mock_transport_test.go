package hardware

import (
	"github.com/stretchr/testify/mock"
)

// MockTransport testify 模拟传输
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Write(addr Address, data []byte) error {
	args := m.Called(addr, data)
	return args.Error(0)
}

func (m *MockTransport) Read(addr Address, maxLen int) ([]byte, error) {
	args := m.Called(addr, maxLen)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"visual-novel-server/internal/media"
)

// MockMediaStore is a mock type for the media.Store type
type MockMediaStore struct {
	mock.Mock
}

// Save provides a mock function with given fields: ctx, name, data, mimeType
func (_m *MockMediaStore) Save(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	ret := _m.Called(ctx, name, data, mimeType)
	return ret.String(0), ret.Error(1)
}

// NewMockMediaStore creates a new instance of MockMediaStore. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockMediaStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockMediaStore {
	m := &MockMediaStore{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ media.Store = (*MockMediaStore)(nil)

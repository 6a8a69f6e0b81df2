package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"visual-novel-server/internal/choices"
	"visual-novel-server/internal/service"
)

// MockChoiceGenerator is a mock type for the service.ChoiceGenerator type
type MockChoiceGenerator struct {
	mock.Mock
}

// Generate provides a mock function with given fields: ctx, req
func (_m *MockChoiceGenerator) Generate(ctx context.Context, req choices.Request) ([]string, error) {
	ret := _m.Called(ctx, req)

	var r0 []string
	if rf, ok := ret.Get(0).(func(context.Context, choices.Request) []string); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]string)
	}

	return r0, ret.Error(1)
}

// NewMockChoiceGenerator creates a new instance of MockChoiceGenerator. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockChoiceGenerator(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockChoiceGenerator {
	m := &MockChoiceGenerator{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ service.ChoiceGenerator = (*MockChoiceGenerator)(nil)

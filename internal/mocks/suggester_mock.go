package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"visual-novel-server/internal/choices"
)

// MockSuggester is a mock type for the choices.Suggester type
type MockSuggester struct {
	mock.Mock
}

// Suggest provides a mock function with given fields: ctx, storyContext, opts
func (_m *MockSuggester) Suggest(ctx context.Context, storyContext string, opts choices.SuggestOptions) ([]string, error) {
	ret := _m.Called(ctx, storyContext, opts)

	var r0 []string
	if rf, ok := ret.Get(0).(func(context.Context, string, choices.SuggestOptions) []string); ok {
		r0 = rf(ctx, storyContext, opts)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]string)
		}
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, string, choices.SuggestOptions) error); ok {
		r1 = rf(ctx, storyContext, opts)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// SuggestOptionsAt returns the options passed to the i-th Suggest call.
func (_m *MockSuggester) SuggestOptionsAt(i int) choices.SuggestOptions {
	return _m.Calls[i].Arguments.Get(2).(choices.SuggestOptions)
}

// NewMockSuggester creates a new instance of MockSuggester. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockSuggester(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockSuggester {
	m := &MockSuggester{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ choices.Suggester = (*MockSuggester)(nil)

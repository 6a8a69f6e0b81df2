package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"visual-novel-server/pkg/taskmanager"
)

// MockQueue is a mock type for the taskmanager.Queue type
type MockQueue struct {
	mock.Mock
}

// Enqueue provides a mock function with given fields: ctx, in
func (_m *MockQueue) Enqueue(ctx context.Context, in taskmanager.EnqueueInput) (taskmanager.Task, error) {
	ret := _m.Called(ctx, in)

	var r0 taskmanager.Task
	if rf, ok := ret.Get(0).(func(context.Context, taskmanager.EnqueueInput) taskmanager.Task); ok {
		r0 = rf(ctx, in)
	} else {
		r0 = ret.Get(0).(taskmanager.Task)
	}

	return r0, ret.Error(1)
}

// Cancel provides a mock function with given fields: ctx, taskID
func (_m *MockQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	ret := _m.Called(ctx, taskID)
	return ret.Bool(0), ret.Error(1)
}

// Retry provides a mock function with given fields: ctx, taskID
func (_m *MockQueue) Retry(ctx context.Context, taskID string) (bool, error) {
	ret := _m.Called(ctx, taskID)
	return ret.Bool(0), ret.Error(1)
}

// Dismiss provides a mock function with given fields: ctx, taskID
func (_m *MockQueue) Dismiss(ctx context.Context, taskID string) (bool, error) {
	ret := _m.Called(ctx, taskID)
	return ret.Bool(0), ret.Error(1)
}

// GetTask provides a mock function with given fields: taskID
func (_m *MockQueue) GetTask(taskID string) (taskmanager.Task, error) {
	ret := _m.Called(taskID)
	return ret.Get(0).(taskmanager.Task), ret.Error(1)
}

// Tasks provides a mock function with no fields
func (_m *MockQueue) Tasks() []taskmanager.Task {
	ret := _m.Called()
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).([]taskmanager.Task)
}

// ActiveTask provides a mock function with no fields
func (_m *MockQueue) ActiveTask() *taskmanager.Task {
	ret := _m.Called()
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).(*taskmanager.Task)
}

// PendingCount provides a mock function with no fields
func (_m *MockQueue) PendingCount() int {
	ret := _m.Called()
	return ret.Int(0)
}

// NewMockQueue creates a new instance of MockQueue. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockQueue(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockQueue {
	m := &MockQueue{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ taskmanager.Queue = (*MockQueue)(nil)

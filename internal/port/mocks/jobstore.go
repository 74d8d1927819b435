package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

// JobStoreMock is a testify mock of port.JobStore.
type JobStoreMock struct {
	mock.Mock
}

// NewJobStoreMock creates a mock whose expectations are asserted when the
// test ends.
func NewJobStoreMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *JobStoreMock {
	m := &JobStoreMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *JobStoreMock) Create(j *domain.Job) error {
	return m.Called(j).Error(0)
}

func (m *JobStoreMock) Get(id int64) (*domain.Job, error) {
	args := m.Called(id)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *JobStoreMock) Update(j *domain.Job) error {
	return m.Called(j).Error(0)
}

func (m *JobStoreMock) UpdateProgress(id int64, snap domain.Snapshot) error {
	return m.Called(id, snap).Error(0)
}

func (m *JobStoreMock) Delete(id int64) error {
	return m.Called(id).Error(0)
}

func (m *JobStoreMock) List(filter port.ListFilter) ([]*domain.Job, int, error) {
	args := m.Called(filter)
	jobs, _ := args.Get(0).([]*domain.Job)
	return jobs, args.Int(1), args.Error(2)
}

func (m *JobStoreMock) ListByStatus(statuses ...domain.JobStatus) ([]*domain.Job, error) {
	args := m.Called(statuses)
	jobs, _ := args.Get(0).([]*domain.Job)
	return jobs, args.Error(1)
}

func (m *JobStoreMock) DeleteByStatus(statuses ...domain.JobStatus) (int64, error) {
	args := m.Called(statuses)
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobStoreMock) DeleteAll() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}

func (m *JobStoreMock) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

var _ port.JobStore = (*JobStoreMock)(nil)

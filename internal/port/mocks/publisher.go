package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

// EventPublisherMock is a testify mock of port.EventPublisher.
type EventPublisherMock struct {
	mock.Mock
}

func NewEventPublisherMock(t interface {
	mock.TestingT
	Cleanup(func())
}) *EventPublisherMock {
	m := &EventPublisherMock{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *EventPublisherMock) Publish(event domain.Event) {
	m.Called(event)
}

var _ port.EventPublisher = (*EventPublisherMock)(nil)

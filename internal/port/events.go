package port

import "github.com/bnema/reencode/internal/domain"

// EventPublisher delivers events to observers on a best-effort basis.
type EventPublisher interface {
	Publish(event domain.Event)
}

package ports

import "github.com/eleven-am/hypernode/internal/domain"

type EventHandler func(domain.Event)

type EventBus interface {
	Publish(event domain.Event)
	Subscribe(handler EventHandler, types ...domain.EventType) (unsubscribe func())
}

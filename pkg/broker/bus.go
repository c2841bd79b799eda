package broker

import "context"

// Bus carries published frames between broker instances. The in-process
// implementation lives in pkg/broker/ps, the NATS one in pkg/broker/nats.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe delivers every frame published on topic to fn until the
	// returned function is called.
	Subscribe(ctx context.Context, topic string, fn func(data []byte)) (unsubscribe func(), err error)
	Close() error
}

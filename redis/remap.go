package redis

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/segstore/encoding"
)

// Mover applies a location move, e.g. *placement.Simple.
type Mover interface {
	MoveLocation(key string, endpoint string) error
}

// move is the message published on the remap channel.
type move struct {
	Location string `json:"location"`
	Endpoint string `json:"endpoint"`
}

// RemapNotifier broadcasts location moves over Redis pub/sub so every process sharing a
// placement map sees a depot's new endpoint.
type RemapNotifier struct {
	conn *Connection
}

// NewRemapNotifier returns a notifier on conn.
func NewRemapNotifier(conn *Connection) *RemapNotifier {
	return &RemapNotifier{conn: conn}
}

func (n *RemapNotifier) channel() string {
	return n.conn.key("remap")
}

// Publish announces that location now answers at endpoint.
func (n *RemapNotifier) Publish(ctx context.Context, location, endpoint string) error {
	ba, err := encoding.Marshal(move{Location: location, Endpoint: endpoint})
	if err != nil {
		return err
	}
	return n.conn.Client.Publish(ctx, n.channel(), ba).Err()
}

// Listen applies every announced move to m until ctx is done. ready, when not nil, is
// closed once the subscription is active.
func (n *RemapNotifier) Listen(ctx context.Context, m Mover, ready chan<- struct{}) error {
	sub := n.conn.Client.Subscribe(ctx, n.channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("remap subscription on %s closed", n.channel())
			}
			var mv move
			if err := encoding.Unmarshal([]byte(msg.Payload), &mv); err != nil {
				log.Warn(fmt.Sprintf("redis: malformed remap message %q, details: %v", msg.Payload, err))
				continue
			}
			if err := m.MoveLocation(mv.Location, mv.Endpoint); err != nil {
				log.Warn(fmt.Sprintf("redis: can't move location %s to %s, details: %v", mv.Location, mv.Endpoint, err))
				continue
			}
			log.Debug(fmt.Sprintf("redis: location %s moved to %s", mv.Location, mv.Endpoint))
		}
	}
}

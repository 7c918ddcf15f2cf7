// Package notify delivers fleet events to users over NATS. Delivery is
// fire-and-forget: a lost notification never blocks or fails the
// operation that produced it.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event kinds published on the fleet.notify.<kind> subjects.
const (
	KindCreated       = "created"
	KindDeleted       = "deleted"
	KindSuspended     = "suspended"
	KindUnsuspended   = "unsuspended"
	KindAutoSuspended = "auto_suspended"
	KindStopAll       = "stop_all"
	KindResized       = "resized"
	KindReinstalled   = "reinstalled"
	KindMigrated      = "migrated"
)

// Event is one user-facing notification.
type Event struct {
	User     string    `json:"user"`
	Instance string    `json:"instance,omitempty"`
	Kind     string    `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier publishes events. Implementations swallow delivery failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
	Close()
}

// New connects to NATS at url, or returns a no-op notifier when url is
// empty. Connection problems are retried in the background for the life
// of the process.
func New(url string, log *zap.Logger) (Notifier, error) {
	if url == "" {
		log.Info("notifications disabled, no broker configured")
		return Nop{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("fleetd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &natsNotifier{nc: nc, log: log}, nil
}

type natsNotifier struct {
	nc  *nats.Conn
	log *zap.Logger
}

func (n *natsNotifier) Notify(_ context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("encode notification", zap.Error(err))
		return
	}
	if err := n.nc.Publish("fleet.notify."+ev.Kind, data); err != nil {
		n.log.Warn("publish notification",
			zap.String("kind", ev.Kind), zap.String("user", ev.User), zap.Error(err))
	}
}

func (n *natsNotifier) Close() {
	n.nc.Drain()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
func (Nop) Close()                        {}

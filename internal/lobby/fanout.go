package lobby

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/metrics"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/sirupsen/logrus"
)

// Resolver maps users to their live connections.
type Resolver interface {
	LookupMany(ctx context.Context, lobbyID int64) ([]string, error)
	LookupUsers(userIDs []int64) []string
	All() []string
	Len() int
}

// Transport delivers to individual connections and tracks lobby channel subscriptions.
type Transport interface {
	Send(connID, event string, payload any) error
	GroupMembers(lobbyID int64) []string
	DropGroup(lobbyID int64)
}

// ActivityLog receives a record of every lobby-scoped event. Optional.
type ActivityLog interface {
	Publish(ctx context.Context, rec models.LobbyEventRecord) error
}

const activityTimeout = 2 * time.Second

// Fanout is the Notifier backed by the registry and the websocket hub.
// Delivery is best effort: failures are logged and counted, never returned.
type Fanout struct {
	registry  Resolver
	transport Transport
	activity  ActivityLog
	metrics   metrics.Recorder
	logger    *logrus.Logger
}

var _ Notifier = (*Fanout)(nil)

// NewFanout builds a Fanout. activity and rec may be nil.
func NewFanout(registry Resolver, transport Transport, activity ActivityLog, rec metrics.Recorder, logger *logrus.Logger) *Fanout {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Fanout{
		registry:  registry,
		transport: transport,
		activity:  activity,
		metrics:   rec,
		logger:    logger,
	}
}

// NotifyLobby sends to the lobby's connected members and to every connection
// subscribed to the lobby's channel, each at most once.
func (f *Fanout) NotifyLobby(ctx context.Context, lobbyID int64, event string, payload any) {
	conns, err := f.registry.LookupMany(ctx, lobbyID)
	if err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{"lobby_id": lobbyID, "event": event}).Warn("failed to resolve lobby members")
	}
	conns = append(conns, f.transport.GroupMembers(lobbyID)...)
	n := f.deliver(dedupe(conns), event, payload)
	f.record(ctx, lobbyID, event, payload, n)
}

// NotifyUsers sends to specific users, used when the lobby itself is gone.
func (f *Fanout) NotifyUsers(ctx context.Context, lobbyID int64, userIDs []int64, event string, payload any) {
	conns := f.registry.LookupUsers(userIDs)
	conns = append(conns, f.transport.GroupMembers(lobbyID)...)
	n := f.deliver(dedupe(conns), event, payload)
	f.record(ctx, lobbyID, event, payload, n)
}

// NotifyGlobal sends to every bound connection.
func (f *Fanout) NotifyGlobal(ctx context.Context, event string, payload any) {
	f.deliver(f.registry.All(), event, payload)
	f.metrics.SetConnections(f.registry.Len())
}

// Forget drops the channel subscriptions of a deleted lobby.
func (f *Fanout) Forget(lobbyID int64) {
	f.transport.DropGroup(lobbyID)
}

func (f *Fanout) deliver(conns []string, event string, payload any) int {
	delivered, failed := 0, 0
	for _, id := range conns {
		if err := f.transport.Send(id, event, payload); err != nil {
			failed++
			f.logger.WithFields(logrus.Fields{"conn_id": id, "event": event}).Warnf("dropped event: %v", err)
			continue
		}
		delivered++
	}
	f.metrics.RecordDelivery(event, delivered, failed)
	return delivered
}

func (f *Fanout) record(ctx context.Context, lobbyID int64, event string, payload any, recipients int) {
	if f.activity == nil {
		return
	}
	rec := models.LobbyEventRecord{
		LobbyID:    lobbyID,
		Event:      event,
		Recipients: recipients,
		Timestamp:  time.Now().UTC(),
	}
	rec.ActorID, _ = ActorFrom(ctx)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			f.logger.WithError(err).WithField("event", event).Warn("failed to marshal activity payload")
		} else {
			rec.Payload = data
		}
	}

	pctx, cancel := context.WithTimeout(ctx, activityTimeout)
	defer cancel()
	if err := f.activity.Publish(pctx, rec); err != nil {
		f.logger.WithError(err).WithFields(logrus.Fields{"lobby_id": lobbyID, "event": event}).Warn("failed to append activity log")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

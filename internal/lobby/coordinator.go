// Package lobby coordinates lobby membership and connection lifecycle.
//
// Every mutation runs as one store transaction and notifications are sent only
// after it commits. Capacity and uniqueness are re-validated inside the
// transaction; lobby version conflicts restart the whole read-validate-write
// cycle.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jason-s-yu/wordle-multi/internal/metrics"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/store"
	"github.com/sirupsen/logrus"
)

// Binder is the slice of the connection registry the coordinator mutates.
type Binder interface {
	Bind(userID int64, connID string)
	Unbind(userID int64, connID string) bool
}

// Notifier delivers events after a transaction commits. Implementations
// never fail the caller.
type Notifier interface {
	NotifyLobby(ctx context.Context, lobbyID int64, event string, payload any)
	NotifyUsers(ctx context.Context, lobbyID int64, userIDs []int64, event string, payload any)
	NotifyGlobal(ctx context.Context, event string, payload any)
	Forget(lobbyID int64)
}

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	// MaxAttempts bounds how many times a transaction is tried on version conflicts.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts; jitter is added on top.
	RetryBackoff time.Duration
	Metrics      metrics.Recorder
	Now          func() time.Time
}

const (
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 5 * time.Millisecond
	connLockStripes     = 64
)

// Coordinator owns every state transition of lobbies and memberships.
type Coordinator struct {
	store    store.Store
	registry Binder
	notify   Notifier
	logger   *logrus.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	maxAttempts  int
	retryBackoff time.Duration

	// connLocks serializes connect/disconnect handling for the same user on
	// this process so a late close cannot overwrite a fresh reconnect.
	connLocks [connLockStripes]sync.Mutex
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(st store.Store, registry Binder, notify Notifier, logger *logrus.Logger, opts Options) *Coordinator {
	c := &Coordinator{
		store:        st,
		registry:     registry,
		notify:       notify,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
	}
	if c.metrics == nil {
		c.metrics = metrics.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = defaultRetryBackoff
	}
	return c
}

// ValidateConfig checks the creation bounds. Omitted fields are defaulted first.
func ValidateConfig(cfg models.LobbyConfig) error {
	cfg = cfg.WithDefaults()
	var problems []string
	if n := utf8.RuneCountInString(cfg.Name); n < models.MinNameLength || n > models.MaxNameLength {
		problems = append(problems, fmt.Sprintf("name must be %d-%d characters", models.MinNameLength, models.MaxNameLength))
	}
	if *cfg.MaxPlayers < models.MinPlayers || *cfg.MaxPlayers > models.MaxPlayers {
		problems = append(problems, fmt.Sprintf("maxPlayers must be %d-%d", models.MinPlayers, models.MaxPlayers))
	}
	if *cfg.NumberOfRounds < models.MinRounds || *cfg.NumberOfRounds > models.MaxRounds {
		problems = append(problems, fmt.Sprintf("numberOfRounds must be %d-%d", models.MinRounds, models.MaxRounds))
	}
	if *cfg.RoundTimeSeconds < models.MinRoundTimeSeconds || *cfg.RoundTimeSeconds > models.MaxRoundTimeSeconds {
		problems = append(problems, fmt.Sprintf("roundTimeSeconds must be %d-%d", models.MinRoundTimeSeconds, models.MaxRoundTimeSeconds))
	}
	if len(problems) > 0 {
		return newError(CodeInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// CreateLobby opens a Waiting lobby with the actor as founding member and owner.
func (c *Coordinator) CreateLobby(ctx context.Context, actor int64, cfg models.LobbyConfig) (detail *models.LobbyDetail, err error) {
	defer c.observe("create", c.now(), &err)

	cfg = cfg.WithDefaults()
	cfg.Name = strings.TrimSpace(cfg.Name)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	var lobby models.Lobby
	err = c.withRetry(ctx, "create", func(tx store.Tx) error {
		active, err := tx.ActiveMembership(ctx, actor)
		if err != nil {
			return err
		}
		if active != nil {
			return errAlreadyInLobby
		}

		now := c.now()
		lobby = models.Lobby{
			Name:             cfg.Name,
			OwnerID:          actor,
			MaxPlayers:       *cfg.MaxPlayers,
			NumberOfRounds:   *cfg.NumberOfRounds,
			RoundTimeSeconds: *cfg.RoundTimeSeconds,
			Status:           models.LobbyWaiting,
			CreatedAt:        now,
		}
		if err := tx.InsertLobby(ctx, &lobby); err != nil {
			return err
		}
		return tx.InsertMembership(ctx, &models.Membership{
			LobbyID:          lobby.ID,
			UserID:           actor,
			JoinOrder:        0,
			ConnectionStatus: models.Connected,
			LastConnectedAt:  now,
		})
	})
	if err != nil {
		return nil, c.translate(err, "create lobby")
	}

	c.logger.WithFields(logrus.Fields{"lobby_id": lobby.ID, "user_id": actor}).Info("lobby created")

	detail, err = c.detailAfterCommit(ctx, lobby.ID)
	if err != nil {
		return nil, err
	}
	nctx := notifyContext(ctx, actor)
	c.notify.NotifyGlobal(nctx, models.EventLobbyListUpdated, nil)
	c.notify.NotifyLobby(nctx, lobby.ID, models.EventLobbyCreated, detail)
	return detail, nil
}

// JoinLobby adds the actor to a Waiting lobby with room left.
func (c *Coordinator) JoinLobby(ctx context.Context, actor, lobbyID int64) (detail *models.LobbyDetail, err error) {
	defer c.observe("join", c.now(), &err)

	err = c.withRetry(ctx, "join", func(tx store.Tx) error {
		lobby, err := tx.GetLobby(ctx, lobbyID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound
		}
		if err != nil {
			return err
		}
		if lobby.Status != models.LobbyWaiting {
			return errNotJoinable
		}

		members, err := tx.ListMembers(ctx, lobbyID)
		if err != nil {
			return err
		}
		if len(members) >= lobby.MaxPlayers {
			return errFull
		}
		nextOrder := len(members)
		for _, m := range members {
			if m.UserID == actor {
				return errAlreadyMember
			}
			if m.JoinOrder >= nextOrder {
				nextOrder = m.JoinOrder + 1
			}
		}

		active, err := tx.ActiveMembership(ctx, actor)
		if err != nil {
			return err
		}
		if active != nil {
			return errAlreadyInLobby
		}

		if err := tx.InsertMembership(ctx, &models.Membership{
			LobbyID:          lobbyID,
			UserID:           actor,
			JoinOrder:        nextOrder,
			ConnectionStatus: models.Connected,
			LastConnectedAt:  c.now(),
		}); err != nil {
			return err
		}
		// The version bump makes concurrent joins that validated against the
		// same member count conflict instead of over-filling the lobby.
		return tx.UpdateLobby(ctx, lobby)
	})
	if err != nil {
		return nil, c.translate(err, "join lobby")
	}

	c.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": actor}).Info("user joined lobby")

	detail, err = c.detailAfterCommit(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	nctx := notifyContext(ctx, actor)
	c.notify.NotifyGlobal(nctx, models.EventLobbyListUpdated, nil)
	if member, ok := detail.Member(actor); ok {
		c.notify.NotifyLobby(nctx, lobbyID, models.EventPlayerJoined, member)
	}
	return detail, nil
}

// leaveResult describes what a committed leave did.
type leaveResult struct {
	deleted       bool
	previousOwner int64
	newOwner      int64
}

// errSkip aborts a guarded leave without counting as a failure.
var errSkip = errors.New("lobby: precondition no longer holds")

// leaveTx removes userID from the lobby, transfers ownership if needed and
// deletes the lobby when nobody is left. guard, if set, re-checks the row
// inside the transaction and may return errSkip.
func (c *Coordinator) leaveTx(ctx context.Context, tx store.Tx, userID, lobbyID int64, guard func(models.Membership) error) (leaveResult, error) {
	var res leaveResult

	lobby, err := tx.GetLobby(ctx, lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		return res, errNotFound
	}
	if err != nil {
		return res, err
	}
	members, err := tx.ListMembers(ctx, lobbyID)
	if err != nil {
		return res, err
	}

	var (
		self      *models.Membership
		successor *models.Membership
	)
	for i := range members {
		m := &members[i]
		if m.UserID == userID {
			self = m
			continue
		}
		// members are ordered by join order, so the first active one wins
		if successor == nil && m.ConnectionStatus.Active() {
			successor = m
		}
	}
	if self == nil {
		return res, errNotMember
	}
	if guard != nil {
		if err := guard(*self); err != nil {
			return res, err
		}
	}

	if err := tx.DeleteMembership(ctx, lobbyID, userID); err != nil {
		return res, err
	}

	res.previousOwner = lobby.OwnerID
	if successor == nil {
		res.deleted = true
		return res, tx.DeleteLobby(ctx, lobbyID)
	}
	if lobby.OwnerID == userID {
		lobby.OwnerID = successor.UserID
	}
	res.newOwner = lobby.OwnerID
	return res, tx.UpdateLobby(ctx, lobby)
}

// LeaveLobby removes the actor from the lobby. It returns nil detail when the
// lobby was deleted because the actor was the last member.
func (c *Coordinator) LeaveLobby(ctx context.Context, actor, lobbyID int64) (detail *models.LobbyDetail, err error) {
	defer c.observe("leave", c.now(), &err)

	var res leaveResult
	err = c.withRetry(ctx, "leave", func(tx store.Tx) error {
		var err error
		res, err = c.leaveTx(ctx, tx, actor, lobbyID, nil)
		return err
	})
	if err != nil {
		return nil, c.translate(err, "leave lobby")
	}
	return c.afterLeave(ctx, actor, lobbyID, res)
}

func (c *Coordinator) afterLeave(ctx context.Context, userID, lobbyID int64, res leaveResult) (*models.LobbyDetail, error) {
	log := c.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID})
	nctx := notifyContext(ctx, userID)

	if res.deleted {
		log.Info("lobby deleted - no players remaining")
		c.notify.NotifyGlobal(nctx, models.EventLobbyListUpdated, nil)
		c.notify.Forget(lobbyID)
		return nil, nil
	}

	log.Info("user left lobby")
	if res.newOwner != res.previousOwner {
		log.WithField("new_owner_id", res.newOwner).Info("lobby ownership transferred")
	}

	c.notify.NotifyGlobal(nctx, models.EventLobbyListUpdated, nil)
	c.notify.NotifyLobby(nctx, lobbyID, models.EventPlayerLeft, userID)

	detail, err := c.store.LobbyDetail(context.WithoutCancel(ctx), lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		// emptied by a concurrent leave after our commit
		return nil, nil
	}
	if err != nil {
		return nil, internalError("load lobby", err)
	}
	c.notify.NotifyLobby(nctx, lobbyID, models.EventLobbyUpdated, detail)
	return detail, nil
}

// HandleDisconnect runs when a transport connection closes. The member stays
// in the lobby, keeps its join order and ownership, and is marked Disconnected.
// A close for a connection that was already replaced changes nothing. When
// the status write fails the binding is kept and the call can be repeated.
func (c *Coordinator) HandleDisconnect(ctx context.Context, userID int64, connID string) (err error) {
	defer c.observe("disconnect", c.now(), &err)

	mu := c.connLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if !c.registry.Unbind(userID, connID) {
		c.logger.WithFields(logrus.Fields{"user_id": userID, "conn_id": connID}).Debug("stale disconnect ignored")
		return nil
	}

	var lobbyID int64
	err = c.withRetry(ctx, "disconnect", func(tx store.Tx) error {
		lobbyID = 0
		m, err := tx.MembershipWithStatus(ctx, userID, models.Connected)
		if err != nil || m == nil {
			return err
		}
		now := c.now()
		m.ConnectionStatus = models.Disconnected
		m.DisconnectedAt = &now
		lobbyID = m.LobbyID
		return tx.UpdateConnection(ctx, m)
	})
	if err != nil {
		// Restore the binding so a repeated close for this connection is
		// retried instead of ignored as stale. The stripe lock keeps a
		// reconnect from binding in between.
		c.registry.Bind(userID, connID)
		c.logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "conn_id": connID}).Error("failed to mark member disconnected")
		return c.translate(err, "mark disconnected")
	}
	if lobbyID != 0 {
		c.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID}).Info("member disconnected")
		c.notify.NotifyLobby(notifyContext(ctx, userID), lobbyID, models.EventPlayerDisconnected, userID)
	}
	return nil
}

// HandleReconnect binds the new connection and restores a Disconnected member
// to Connected.
func (c *Coordinator) HandleReconnect(ctx context.Context, userID int64, connID string) (err error) {
	defer c.observe("reconnect", c.now(), &err)

	mu := c.connLock(userID)
	mu.Lock()
	defer mu.Unlock()

	c.registry.Bind(userID, connID)

	var lobbyID int64
	err = c.withRetry(ctx, "reconnect", func(tx store.Tx) error {
		lobbyID = 0
		m, err := tx.MembershipWithStatus(ctx, userID, models.Disconnected)
		if err != nil || m == nil {
			return err
		}
		m.ConnectionStatus = models.Connected
		m.DisconnectedAt = nil
		m.LastConnectedAt = c.now()
		lobbyID = m.LobbyID
		return tx.UpdateConnection(ctx, m)
	})
	if err != nil {
		return c.translate(err, "mark reconnected")
	}
	if lobbyID != 0 {
		c.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "user_id": userID}).Info("member reconnected")
		c.notify.NotifyLobby(notifyContext(ctx, userID), lobbyID, models.EventPlayerReconnected, userID)
	}
	return nil
}

// GetLobby returns the lobby with its ordered member list.
func (c *Coordinator) GetLobby(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error) {
	detail, err := c.store.LobbyDetail(ctx, lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, internalError("load lobby", err)
	}
	return detail, nil
}

// GetAvailableLobbies lists Waiting lobbies with their member counts.
func (c *Coordinator) GetAvailableLobbies(ctx context.Context) ([]models.LobbySummary, error) {
	lobbies, err := c.store.AvailableLobbies(ctx)
	if err != nil {
		return nil, internalError("list lobbies", err)
	}
	return lobbies, nil
}

// GetUserCurrentLobby returns the lobby holding the user's active membership,
// or nil when there is none.
func (c *Coordinator) GetUserCurrentLobby(ctx context.Context, userID int64) (*models.LobbyDetail, error) {
	lobbyID, err := c.store.ActiveLobbyID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internalError("find current lobby", err)
	}
	detail, err := c.store.LobbyDetail(ctx, lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internalError("load lobby", err)
	}
	return detail, nil
}

// ReapLobby deletes a Waiting lobby created before cutoff. It reports false
// when the lobby is gone or no longer qualifies.
func (c *Coordinator) ReapLobby(ctx context.Context, lobbyID int64, cutoff time.Time) (reaped bool, err error) {
	defer c.observe("reap", c.now(), &err)

	var former []int64
	err = c.withRetry(ctx, "reap", func(tx store.Tx) error {
		former = former[:0]
		lobby, err := tx.GetLobby(ctx, lobbyID)
		if errors.Is(err, store.ErrNotFound) {
			return errSkip
		}
		if err != nil {
			return err
		}
		if lobby.Status != models.LobbyWaiting || !lobby.CreatedAt.Before(cutoff) {
			return errSkip
		}
		members, err := tx.ListMembers(ctx, lobbyID)
		if err != nil {
			return err
		}
		for _, m := range members {
			former = append(former, m.UserID)
		}
		return tx.DeleteLobby(ctx, lobbyID)
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, c.translate(err, "reap lobby")
	}

	c.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "members": len(former)}).Info("inactive lobby reaped")
	nctx := context.WithoutCancel(ctx)
	c.notify.NotifyUsers(nctx, lobbyID, former, models.EventLobbyDeleted, lobbyID)
	c.notify.NotifyGlobal(nctx, models.EventLobbyListUpdated, nil)
	c.notify.Forget(lobbyID)
	return true, nil
}

// EvictMember removes a member whose disconnect is older than cutoff, running
// the same leave path as an explicit leave. It reports false when the member
// reconnected or already left.
func (c *Coordinator) EvictMember(ctx context.Context, m models.Membership, cutoff time.Time) (evicted bool, err error) {
	defer c.observe("evict", c.now(), &err)

	guard := func(cur models.Membership) error {
		if cur.ConnectionStatus != models.Disconnected || cur.DisconnectedAt == nil || !cur.DisconnectedAt.Before(cutoff) {
			return errSkip
		}
		return nil
	}

	var res leaveResult
	err = c.withRetry(ctx, "evict", func(tx store.Tx) error {
		var err error
		res, err = c.leaveTx(ctx, tx, m.UserID, m.LobbyID, guard)
		return err
	})
	if errors.Is(err, errSkip) || errors.Is(err, errNotFound) || errors.Is(err, errNotMember) {
		return false, nil
	}
	if err != nil {
		return false, c.translate(err, "evict member")
	}

	c.logger.WithFields(logrus.Fields{"lobby_id": m.LobbyID, "user_id": m.UserID}).Info("disconnected member evicted")
	if _, err := c.afterLeave(ctx, m.UserID, m.LobbyID, res); err != nil {
		c.logger.WithError(err).WithField("lobby_id", m.LobbyID).Warn("failed to load lobby after eviction")
	}
	return true, nil
}

// withRetry runs fn in a transaction, restarting it on version conflicts.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = c.store.InTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) || attempt >= c.maxAttempts {
			return err
		}
		c.metrics.RecordRetry(op)
		c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Debug("lobby version conflict, retrying")

		backoff := c.retryBackoff << (attempt - 1)
		backoff += time.Duration(rand.Int64N(int64(backoff) + 1))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// translate turns whatever a transaction returned into an *Error.
func (c *Coordinator) translate(err error, what string) error {
	var le *Error
	switch {
	case errors.As(err, &le):
		return le
	case errors.Is(err, store.ErrActiveMembership):
		return errAlreadyInLobby
	case errors.Is(err, store.ErrDuplicateMembership):
		return errAlreadyMember
	case errors.Is(err, store.ErrConflict):
		return internalError(what+": too much contention, try again", err)
	case errors.Is(err, store.ErrNotFound):
		return errNotFound
	}
	return internalError(what, err)
}

// detailAfterCommit reloads the lobby once the transaction is durable.
func (c *Coordinator) detailAfterCommit(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error) {
	detail, err := c.store.LobbyDetail(context.WithoutCancel(ctx), lobbyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, internalError("load lobby", err)
	}
	return detail, nil
}

func (c *Coordinator) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = string(CodeOf(*err))
	}
	c.metrics.RecordOperation(op, result, c.now().Sub(start))
}

func (c *Coordinator) connLock(userID int64) *sync.Mutex {
	idx := userID % connLockStripes
	if idx < 0 {
		idx = -idx
	}
	return &c.connLocks[idx]
}

type actorKey struct{}

// notifyContext detaches delivery from the request's cancellation and records
// who caused the event.
func notifyContext(ctx context.Context, actor int64) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), actorKey{}, actor)
}

// ActorFrom returns the user whose action produced the event being delivered.
func ActorFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorKey{}).(int64)
	return id, ok
}

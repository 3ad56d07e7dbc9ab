// Package chatsync is the client-side chat synchronization and encrypted
// delivery engine. It creates chats, resolves participants, encrypts and
// sends messages, keeps the local replica current and redelivers messages
// whose remote write failed.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/e2ee"
	"github.com/matheus3301/securechat/internal/identity"
	"github.com/matheus3301/securechat/internal/metrics"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/outbox"
	"github.com/matheus3301/securechat/internal/realtime"
	"github.com/matheus3301/securechat/internal/status"
	"go.uber.org/zap"
)

// Remote is the subset of the remote store the engine uses.
type Remote interface {
	ProfileByID(ctx context.Context, id string) (*model.Identity, error)
	ProfileByShortID(ctx context.Context, shortID int64) (*model.Identity, error)
	UpsertProfile(ctx context.Context, id string, publicKey []byte) (*model.Identity, error)
	PublicKeys(ctx context.Context, ids []string) (map[string][]byte, error)

	FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error)
	InsertChat(ctx context.Context, c model.Chat) error
	DeleteChat(ctx context.Context, id string) error
	InsertParticipants(ctx context.Context, parts []model.Participant) error
	UpsertParticipant(ctx context.Context, p model.Participant) error
	MarkParticipantLeft(ctx context.Context, chatID, userID string, at time.Time) error
	Chat(ctx context.Context, id string) (*model.Chat, error)
	ChatsForIdentity(ctx context.Context, id string) ([]model.Chat, error)
	TouchChat(ctx context.Context, chatID string, at time.Time) error
	OrphanChats(ctx context.Context, createdBy string, before time.Time) ([]string, error)

	InsertMessage(ctx context.Context, m model.RemoteMessage) error
	Message(ctx context.Context, id string) (*model.RemoteMessage, error)
	UpsertMessageStatus(ctx context.Context, st model.MessageStatus) (bool, error)
	MessageStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error)
}

// Options tunes the engine. Zero values use the defaults.
type Options struct {
	RetryInterval time.Duration
	MaxAttempts   int
	Now           func() time.Time
	NewID         func() string
}

// Deps are the collaborators of an Engine. Realtime, Bus, Metrics and
// Machine are optional.
type Deps struct {
	Identity identity.Provider
	Remote   Remote
	Crypto   *e2ee.Engine
	Cache    *cache.Cache
	Realtime realtime.Bus
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Machine  *status.Machine
	Logger   *zap.Logger
}

// Engine is the chat sync engine. Construct it with New.
type Engine struct {
	ids     identity.Provider
	remote  Remote
	crypto  *e2ee.Engine
	cache   *cache.Cache
	rt      realtime.Bus
	bus     *bus.Bus
	metrics *metrics.Metrics
	machine *status.Machine
	logger  *zap.Logger
	retrier *outbox.Retrier

	now   func() time.Time
	newID func() string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	stopRun context.CancelFunc
	subs    map[int]func()
	nextSub int
}

// New creates an engine. Call Start before using it from a long-running process.
func New(d Deps, opts Options) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	runCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		ids:     d.Identity,
		remote:  d.Remote,
		crypto:  d.Crypto,
		cache:   d.Cache,
		rt:      d.Realtime,
		bus:     d.Bus,
		metrics: d.Metrics,
		machine: d.Machine,
		logger:  logger,
		now:     opts.Now,
		newID:   opts.NewID,
		locks:   make(map[string]*sync.Mutex),
		runCtx:  runCtx,
		stopRun: stop,
		subs:    make(map[int]func()),
	}
	e.retrier = outbox.NewRetrier(e, opts.RetryInterval, opts.MaxAttempts, d.Metrics, logger.Named("retry"))
	return e
}

// Start hydrates the local replica, binds the device keys when a session
// exists, removes orphaned chats and starts the retry loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cache.Load(ctx); err != nil {
		e.logger.Warn("cache load failed, starting empty", zap.Error(err))
	}
	e.metrics.Pending(len(e.cache.Pending()))

	if _, err := e.Login(ctx); err != nil {
		switch {
		case errors.Is(err, model.ErrAuth):
			e.logger.Info("no active identity, auth required")
		case errors.Is(err, model.ErrKeyConflict):
			e.logger.Warn("identity is bound to another device, auth required", zap.Error(err))
		default:
			return err
		}
		e.transition(status.AuthRequired)
	} else {
		e.sweepOrphans(ctx)
	}

	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	e.retrier.Start(runCtx)
	return nil
}

// Stop cancels the retry loop and all subscriptions, then flushes the local
// replica, including the pending queue, to durable storage.
func (e *Engine) Stop(ctx context.Context) {
	e.retrier.Stop()
	e.cancelSubscriptions()

	e.mu.Lock()
	e.stopRun()
	e.runCtx, e.stopRun = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := e.cache.Persist(ctx); err != nil {
		e.logger.Error("failed to flush cache on shutdown", zap.Error(err))
	} else {
		e.logger.Info("cache flushed", zap.Int("pending", len(e.cache.Pending())))
	}
	e.transition(status.Stopped)
}

// Login binds the device key pair for the current identity, generating and
// storing one on first use, and publishes the public key to the remote
// profile. An identity holds a single device key: logging in on a device
// whose key differs from the published one fails with model.ErrKeyConflict.
// Any other publish failure is logged and the engine continues offline.
func (e *Engine) Login(ctx context.Context) (*model.Identity, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}

	kp, err := e.deviceKeys(ctx, caller)
	if err != nil {
		return nil, err
	}

	profile, err := e.remote.UpsertProfile(ctx, caller, kp.Public)
	if errors.Is(err, model.ErrKeyConflict) {
		e.crypto.ClearKeys()
		return nil, fmt.Errorf("identity %s: %w", caller, model.ErrKeyConflict)
	}
	e.crypto.SetKeyPair(kp)
	if err != nil {
		e.remoteFailed("publish public key", err)
		return &model.Identity{ID: caller, PublicKey: kp.Public}, nil
	}
	e.remoteOK()
	e.logger.Info("identity bound", zap.String("identity", caller), zap.Int64("short_id", profile.ShortID))
	return profile, nil
}

// deviceKeys returns the stored key pair or generates one. No key is
// generated when the identity already published one from another device.
func (e *Engine) deviceKeys(ctx context.Context, caller string) (*e2ee.KeyPair, error) {
	priv, err := e.cache.PrivateKey(ctx)
	if err != nil {
		return nil, err
	}
	if priv != nil {
		return e2ee.KeyPairFromPrivate(priv)
	}

	profile, err := e.remote.ProfileByID(ctx, caller)
	switch {
	case err == nil && len(profile.PublicKey) > 0:
		e.crypto.ClearKeys()
		return nil, fmt.Errorf("identity %s: %w", caller, model.ErrKeyConflict)
	case err != nil && !errors.Is(err, model.ErrNotFound):
		e.remoteFailed("load profile", err)
	}

	kp, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	if err := e.cache.SetPrivateKey(ctx, kp.Private); err != nil {
		return nil, err
	}
	e.logger.Info("generated device key pair")
	return kp, nil
}

// Logout releases key material and cancels realtime subscriptions. The
// stored private key stays on the device for the next login.
func (e *Engine) Logout(_ context.Context) {
	e.crypto.ClearKeys()
	e.cancelSubscriptions()
	e.transition(status.AuthRequired)
	e.logger.Info("logged out")
}

// Identity returns the current identity's profile. When the remote store is
// unreachable the locally bound public key is returned without a short id.
func (e *Engine) Identity(ctx context.Context) (*model.Identity, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := e.remote.ProfileByID(ctx, caller)
	if err == nil {
		e.remoteOK()
		return profile, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	e.remoteFailed("load profile", err)
	pub, kerr := e.crypto.PublicKey()
	if kerr != nil {
		return nil, kerr
	}
	return &model.Identity{ID: caller, PublicKey: pub}, nil
}

// orphanGrace keeps the sweep away from chats another session of the same
// identity is still creating.
const orphanGrace = time.Minute

func (e *Engine) sweepOrphans(ctx context.Context) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return
	}
	ids, err := e.remote.OrphanChats(ctx, caller, e.now().Add(-orphanGrace))
	if err != nil {
		e.remoteFailed("orphan sweep", err)
		return
	}
	for _, id := range ids {
		if err := e.remote.DeleteChat(ctx, id); err != nil {
			e.logger.Warn("failed to delete orphan chat", zap.String("chat_id", id), zap.Error(err))
			continue
		}
		e.logger.Info("deleted orphan chat", zap.String("chat_id", id))
	}
}

// chatLock returns the mutation lock of a chat.
func (e *Engine) chatLock(chatID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[chatID] = l
	}
	return l
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func (e *Engine) remoteOK() {
	if e.machine != nil && e.machine.Current() != status.Ready {
		e.transition(status.Ready)
	}
}

func (e *Engine) remoteFailed(op string, err error) {
	e.logger.Warn("remote store call failed", zap.String("op", op), zap.Error(err))
	e.transition(status.Degraded)
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (e *Engine) cancelSubscriptions() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[int]func())
	e.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}

package chatsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/e2ee"
	"github.com/matheus3301/securechat/internal/identity"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/realtime"
	"github.com/matheus3301/securechat/internal/remote"
	"github.com/matheus3301/securechat/internal/status"
	"github.com/matheus3301/securechat/internal/store"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("remote store unreachable")

// flakyRemote wraps a real sqlite-backed remote store and fails calls on demand.
type flakyRemote struct {
	*remote.Store

	mu               sync.Mutex
	down             bool
	failParticipants bool
	failDelete       bool
	calls            map[string]int
}

func (f *flakyRemote) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.down {
		return errOffline
	}
	switch {
	case op == "InsertParticipants" && f.failParticipants:
		return errOffline
	case op == "DeleteChat" && f.failDelete:
		return errOffline
	}
	return nil
}

func (f *flakyRemote) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyRemote) ProfileByID(ctx context.Context, id string) (*model.Identity, error) {
	if err := f.check("ProfileByID"); err != nil {
		return nil, err
	}
	return f.Store.ProfileByID(ctx, id)
}

func (f *flakyRemote) ProfileByShortID(ctx context.Context, shortID int64) (*model.Identity, error) {
	if err := f.check("ProfileByShortID"); err != nil {
		return nil, err
	}
	return f.Store.ProfileByShortID(ctx, shortID)
}

func (f *flakyRemote) UpsertProfile(ctx context.Context, id string, key []byte) (*model.Identity, error) {
	if err := f.check("UpsertProfile"); err != nil {
		return nil, err
	}
	return f.Store.UpsertProfile(ctx, id, key)
}

func (f *flakyRemote) PublicKeys(ctx context.Context, ids []string) (map[string][]byte, error) {
	if err := f.check("PublicKeys"); err != nil {
		return nil, err
	}
	return f.Store.PublicKeys(ctx, ids)
}

func (f *flakyRemote) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	if err := f.check("FindDirectChat"); err != nil {
		return nil, err
	}
	return f.Store.FindDirectChat(ctx, a, b)
}

func (f *flakyRemote) InsertChat(ctx context.Context, c model.Chat) error {
	if err := f.check("InsertChat"); err != nil {
		return err
	}
	return f.Store.InsertChat(ctx, c)
}

func (f *flakyRemote) DeleteChat(ctx context.Context, id string) error {
	if err := f.check("DeleteChat"); err != nil {
		return err
	}
	return f.Store.DeleteChat(ctx, id)
}

func (f *flakyRemote) InsertParticipants(ctx context.Context, parts []model.Participant) error {
	if err := f.check("InsertParticipants"); err != nil {
		return err
	}
	return f.Store.InsertParticipants(ctx, parts)
}

func (f *flakyRemote) UpsertParticipant(ctx context.Context, p model.Participant) error {
	if err := f.check("UpsertParticipant"); err != nil {
		return err
	}
	return f.Store.UpsertParticipant(ctx, p)
}

func (f *flakyRemote) MarkParticipantLeft(ctx context.Context, chatID, userID string, at time.Time) error {
	if err := f.check("MarkParticipantLeft"); err != nil {
		return err
	}
	return f.Store.MarkParticipantLeft(ctx, chatID, userID, at)
}

func (f *flakyRemote) Chat(ctx context.Context, id string) (*model.Chat, error) {
	if err := f.check("Chat"); err != nil {
		return nil, err
	}
	return f.Store.Chat(ctx, id)
}

func (f *flakyRemote) ChatsForIdentity(ctx context.Context, id string) ([]model.Chat, error) {
	if err := f.check("ChatsForIdentity"); err != nil {
		return nil, err
	}
	return f.Store.ChatsForIdentity(ctx, id)
}

func (f *flakyRemote) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	if err := f.check("TouchChat"); err != nil {
		return err
	}
	return f.Store.TouchChat(ctx, chatID, at)
}

func (f *flakyRemote) OrphanChats(ctx context.Context, createdBy string, before time.Time) ([]string, error) {
	if err := f.check("OrphanChats"); err != nil {
		return nil, err
	}
	return f.Store.OrphanChats(ctx, createdBy, before)
}

func (f *flakyRemote) InsertMessage(ctx context.Context, m model.RemoteMessage) error {
	if err := f.check("InsertMessage"); err != nil {
		return err
	}
	return f.Store.InsertMessage(ctx, m)
}

func (f *flakyRemote) Message(ctx context.Context, id string) (*model.RemoteMessage, error) {
	if err := f.check("Message"); err != nil {
		return nil, err
	}
	return f.Store.Message(ctx, id)
}

func (f *flakyRemote) UpsertMessageStatus(ctx context.Context, st model.MessageStatus) (bool, error) {
	if err := f.check("UpsertMessageStatus"); err != nil {
		return false, err
	}
	return f.Store.UpsertMessageStatus(ctx, st)
}

func (f *flakyRemote) MessageStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error) {
	if err := f.check("MessageStatus"); err != nil {
		return nil, err
	}
	return f.Store.MessageStatus(ctx, messageID, userID)
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// world is a shared remote store and realtime bus with several devices on it.
type world struct {
	t      *testing.T
	remote *flakyRemote
	rt     realtime.Bus
	clock  *clock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	s, err := remote.Open("sqlite", filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	t.Cleanup(func() { _ = s.Close() })
	return &world{
		t:      t,
		remote: &flakyRemote{Store: s, calls: make(map[string]int)},
		rt:     realtime.NewLocal(bus.New(), nil),
		clock:  &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
}

type device struct {
	*Engine
	session *identity.Session
	db      *store.DB
	bus     *bus.Bus
}

// device starts an engine logged in as id with its own local store.
func (w *world) device(id string) *device {
	w.t.Helper()
	db, err := store.Open(filepath.Join(w.t.TempDir(), id+".db"))
	require.NoError(w.t, err)
	_, err = db.Migrate()
	require.NoError(w.t, err)
	w.t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	sess := identity.NewSession(id)
	e := New(Deps{
		Identity: sess,
		Remote:   w.remote,
		Crypto:   e2ee.NewEngine(),
		Cache:    cache.New(db, nil),
		Realtime: w.rt,
		Bus:      b,
		Machine:  status.NewMachine(b),
	}, Options{RetryInterval: time.Hour, Now: w.clock.Now})
	require.NoError(w.t, e.Start(context.Background()))
	w.t.Cleanup(func() { e.Stop(context.Background()) })
	return &device{Engine: e, session: sess, db: db, bus: b}
}

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectChatScenario(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "ignored")
	require.NoError(t, err)
	assert.False(t, chat.IsGroup)
	assert.Empty(t, chat.Name)
	assert.Equal(t, "alice", chat.CreatedBy)
	assert.ElementsMatch(t, []string{"alice", "bob"}, chat.ActiveParticipantIDs())
	admin, _ := chat.Participant("alice")
	assert.Equal(t, model.RoleAdmin, admin.Role)
	member, _ := chat.Participant("bob")
	assert.Equal(t, model.RoleMember, member.Role)

	msg, err := alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Plaintext)
	assert.Equal(t, model.PhaseConfirmed, msg.Phase)
	assert.Equal(t, msg.CreatedAt.Add(model.MessageTTL), msg.ExpiresAt)
	assert.Empty(t, alice.PendingMessages())

	stored, err := w.remote.Store.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Content, `"text"`)

	st, err := w.remote.Store.MessageStatus(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, st.Status)

	w.remote.setDown(true)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "are you there?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)

	pending := alice.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, perr.MessageID, pending[0].MessageID)
	assert.Equal(t, chat.ID, pending[0].ChatID)
	assert.Equal(t, 0, pending[0].RetryCount)

	queued, ok := alice.cache.Message(chat.ID, perr.MessageID)
	require.True(t, ok)
	assert.Equal(t, model.PhasePending, queued.Phase)

	w.remote.setDown(false)
	res := alice.RetryPendingMessages(ctx)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, alice.PendingMessages())

	delivered, ok := alice.cache.Message(chat.ID, perr.MessageID)
	require.True(t, ok)
	assert.Equal(t, model.PhaseConfirmed, delivered.Phase)
	_, err = w.remote.Store.Message(ctx, perr.MessageID)
	assert.NoError(t, err)
}

func TestCreateDirectChatIsIdempotent(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	first, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	second, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// bob's short id is 2: alice registered first.
	byShort, err := alice.CreateChat(ctx, []string{"2"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byShort.ID)

	fromBob, err := bob.CreateChat(ctx, []string{"alice"}, false, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, fromBob.ID)
	_, ok := bob.cache.Chat(first.ID)
	assert.True(t, ok, "existing chat not hydrated into the replica")
}

func TestCreateChatValidation(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	w.device("carol")
	ctx := context.Background()

	_, err := alice.CreateChat(ctx, []string{"nobody"}, false, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = alice.CreateChat(ctx, []string{"99"}, false, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = alice.CreateChat(ctx, []string{"alice"}, false, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = alice.CreateChat(ctx, []string{"bob", "carol"}, false, "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = alice.CreateChat(ctx, []string{"bob", "carol"}, true, "  ")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestOperationsRequireSession(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	alice.session.Logout()
	_, err = alice.CreateChat(ctx, []string{"bob"}, false, "")
	assert.ErrorIs(t, err, model.ErrAuth)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "x"})
	assert.ErrorIs(t, err, model.ErrAuth)
	_, err = alice.GetUserChats(ctx)
	assert.ErrorIs(t, err, model.ErrAuth)
	_, err = alice.RemoveGroupMember(ctx, chat.ID, "bob")
	assert.ErrorIs(t, err, model.ErrAuth)
}

func TestSendMessagePreconditions(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	carol := w.device("carol")
	ctx := context.Background()

	_, err := alice.SendMessage(ctx, SendRequest{ChatID: "missing", Plaintext: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	// carol somehow holds the chat in her replica but is not a member.
	require.NoError(t, carol.cache.Update(ctx, func(tx *cache.Txn) error {
		tx.PutChat(chat)
		return nil
	}))
	_, err = carol.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "x"})
	assert.ErrorIs(t, err, model.ErrParticipant)

	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "x", Type: "sticker"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	alice.Logout(ctx)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: "missing", Plaintext: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound, "unknown chat is reported before missing keys")
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "x"})
	assert.ErrorIs(t, err, model.ErrEncryption)
	assert.Empty(t, alice.PendingMessages())
	assert.Equal(t, status.AuthRequired, alice.machine.Current())
}

func TestRetryWaitsForLogin(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	w.remote.setDown(true)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "after login"})
	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)
	w.remote.setDown(false)

	alice.Logout(ctx)
	alice.session.Logout()
	inserts := w.remote.count("InsertMessage")
	for i := 0; i < 10; i++ {
		res := alice.RetryPendingMessages(ctx)
		assert.True(t, res.Skipped, "pass %d = %+v", i, res)
		assert.Zero(t, res.Dropped)
	}
	assert.Equal(t, inserts, w.remote.count("InsertMessage"))

	pending := alice.PendingMessages()
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)
	msg, ok := alice.cache.Message(chat.ID, perr.MessageID)
	require.True(t, ok)
	assert.Equal(t, model.PhasePending, msg.Phase)

	alice.session.Login("alice")
	_, err = alice.Login(ctx)
	require.NoError(t, err)
	res := alice.RetryPendingMessages(ctx)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, alice.PendingMessages())
}

func TestRetryNeverExceedsFiveAttempts(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	dropped, unsub := alice.bus.Subscribe(bus.KindMessageDropped, 4)
	defer unsub()

	w.remote.setDown(true)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "lost"})
	var perr *model.PersistenceError
	require.ErrorAs(t, err, &perr)

	before := w.remote.count("PublicKeys")
	for i := 0; i < 10; i++ {
		alice.RetryPendingMessages(ctx)
	}
	assert.Equal(t, 5, w.remote.count("PublicKeys")-before)
	assert.Empty(t, alice.PendingMessages())

	msg, ok := alice.cache.Message(chat.ID, perr.MessageID)
	require.True(t, ok)
	assert.Equal(t, model.PhaseDropped, msg.Phase)

	select {
	case evt := <-dropped:
		d := evt.Payload.(Delivery)
		assert.Equal(t, perr.MessageID, d.MessageID)
		assert.Contains(t, d.Error, errOffline.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("no message.dropped event")
	}
}

func TestGetUserChatsSortedWithFallback(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	w.device("carol")
	ctx := context.Background()

	direct, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	group, err := alice.CreateChat(ctx, []string{"bob", "carol"}, true, "team")
	require.NoError(t, err)
	other, err := alice.CreateChat(ctx, []string{"carol"}, false, "")
	require.NoError(t, err)

	_, err = alice.SendMessage(ctx, SendRequest{ChatID: direct.ID, Plaintext: "bump"})
	require.NoError(t, err)

	ids := func(chats []model.Chat) []string {
		var out []string
		for _, c := range chats {
			out = append(out, c.ID)
		}
		return out
	}
	want := []string{direct.ID, other.ID, group.ID}

	chats, err := alice.GetUserChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, ids(chats))

	w.remote.setDown(true)
	chats, err = alice.GetUserChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, ids(chats))
	assert.Equal(t, status.Degraded, alice.machine.Current())

	w.remote.setDown(false)
	_, err = alice.GetUserChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Ready, alice.machine.Current())
}

func TestGetUserChatsHydratesOtherDevices(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	chats, err := bob.GetUserChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)

	_, err = bob.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "hello"})
	assert.NoError(t, err)
}

func TestGroupMembershipIsCreatorOnly(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	w.device("carol")
	w.device("dave")
	ctx := context.Background()

	group, err := alice.CreateChat(ctx, []string{"bob", "carol"}, true, "team")
	require.NoError(t, err)
	require.Len(t, group.Participants, 3)
	for _, p := range group.Participants {
		want := model.RoleMember
		if p.IdentityID == "alice" {
			want = model.RoleAdmin
		}
		assert.Equal(t, want, p.Role, p.IdentityID)
	}

	// bob is promoted to admin server-side but is still not the creator.
	require.NoError(t, w.remote.Store.UpsertParticipant(ctx, model.Participant{
		ChatID: group.ID, IdentityID: "bob", Role: model.RoleAdmin, JoinedAt: time.Now(),
	}))
	_, err = bob.RemoveGroupMember(ctx, group.ID, "carol")
	assert.ErrorIs(t, err, model.ErrPermission)
	_, err = bob.AddGroupMember(ctx, group.ID, "dave")
	assert.ErrorIs(t, err, model.ErrPermission)

	updated, err := alice.RemoveGroupMember(ctx, group.ID, "carol")
	require.NoError(t, err)
	assert.False(t, updated.IsActiveParticipant("carol"))
	cached, _ := alice.cache.Chat(group.ID)
	assert.False(t, cached.IsActiveParticipant("carol"))

	_, err = alice.RemoveGroupMember(ctx, group.ID, "carol")
	assert.ErrorIs(t, err, model.ErrParticipant)
	_, err = alice.RemoveGroupMember(ctx, group.ID, "alice")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	// short id 4 is dave.
	updated, err = alice.AddGroupMember(ctx, group.ID, "4")
	require.NoError(t, err)
	assert.True(t, updated.IsActiveParticipant("dave"))
	updated, err = alice.AddGroupMember(ctx, group.ID, "carol")
	require.NoError(t, err)
	assert.True(t, updated.IsActiveParticipant("carol"))

	direct, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	_, err = alice.AddGroupMember(ctx, direct.ID, "carol")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestCreateChatCompensatesAndSweepsOrphans(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()
	anyAge := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

	w.remote.failParticipants = true
	_, err := alice.CreateChat(ctx, []string{"bob"}, true, "g1")
	assert.ErrorIs(t, err, model.ErrPersistence)
	orphans, err := w.remote.Store.OrphanChats(ctx, "alice", anyAge)
	require.NoError(t, err)
	assert.Empty(t, orphans, "compensating delete should have removed the chat")

	w.remote.failDelete = true
	_, err = alice.CreateChat(ctx, []string{"bob"}, true, "g2")
	assert.ErrorIs(t, err, model.ErrPersistence)
	orphans, err = w.remote.Store.OrphanChats(ctx, "alice", anyAge)
	require.NoError(t, err)
	assert.Len(t, orphans, 1)
	assert.Empty(t, alice.cache.Chats())

	// A fresh chat without participants may still be mid-creation elsewhere.
	w.remote.failParticipants, w.remote.failDelete = false, false
	alice.sweepOrphans(ctx)
	orphans, err = w.remote.Store.OrphanChats(ctx, "alice", anyAge)
	require.NoError(t, err)
	assert.Len(t, orphans, 1)

	w.clock.Advance(2 * orphanGrace)
	alice.sweepOrphans(ctx)
	orphans, err = w.remote.Store.OrphanChats(ctx, "alice", anyAge)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestUpdateMessageStatusIsMonotonic(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	msg, err := alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "read me"})
	require.NoError(t, err)

	require.NoError(t, bob.UpdateMessageStatus(ctx, msg.ID, model.StatusSeen))
	assert.ErrorIs(t, bob.UpdateMessageStatus(ctx, msg.ID, model.StatusDelivered), model.ErrStatusRegression)
	assert.ErrorIs(t, bob.UpdateMessageStatus(ctx, msg.ID, model.StatusSent), model.ErrStatusRegression)
	assert.NoError(t, bob.UpdateMessageStatus(ctx, msg.ID, model.StatusSeen))
	assert.ErrorIs(t, bob.UpdateMessageStatus(ctx, msg.ID, "read"), model.ErrInvalidArgument)

	st, err := w.remote.Store.MessageStatus(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSeen, st.Status)
}

func TestSubscribeDeduplicatesAndDecrypts(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	_, err = bob.GetUserChats(ctx)
	require.NoError(t, err)

	got := make(chan model.Message, 4)
	cancel, err := bob.SubscribeToChat(ctx, chat.ID, func(m model.Message) { got <- m })
	require.NoError(t, err)
	defer cancel()

	sent, err := alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "secret"})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, sent.ID, m.ID)
		assert.Equal(t, "secret", m.Plaintext)
		assert.Equal(t, model.PhaseReceived, m.Phase)
	case <-time.After(5 * time.Second):
		t.Fatal("bob never received the message")
	}

	// Redeliver the same row, as an at-least-once bus may.
	stored, err := w.remote.Store.Message(ctx, sent.ID)
	require.NoError(t, err)
	require.NoError(t, w.rt.Publish(ctx, *stored))
	select {
	case m := <-got:
		t.Fatalf("duplicate delivered: %s", m.ID)
	case <-time.After(200 * time.Millisecond):
	}

	msgs, err := bob.Messages(chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "secret", msgs[0].Plaintext)

	st, err := w.remote.Store.MessageStatus(ctx, sent.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, st.Status)

	cancel()
	cancel()
}

func TestSubscribeRequiresRealtime(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	alice.rt = nil
	_, err := alice.SubscribeToChat(context.Background(), "c1", nil)
	assert.ErrorIs(t, err, model.ErrRealtimeUnavailable)
}

func TestIngestRejectsForeignChatCiphertext(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	w.device("carol")
	ctx := context.Background()

	c1, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	c2, err := alice.CreateChat(ctx, []string{"bob", "carol"}, true, "team")
	require.NoError(t, err)
	_, err = bob.GetUserChats(ctx)
	require.NoError(t, err)

	sent, err := alice.SendMessage(ctx, SendRequest{ChatID: c1.ID, Plaintext: "only for c1"})
	require.NoError(t, err)
	stored, err := w.remote.Store.Message(ctx, sent.ID)
	require.NoError(t, err)

	replayed := *stored
	replayed.ID = "replayed"
	replayed.ChatID = c2.ID
	_, added, err := bob.IngestMessage(ctx, replayed)
	assert.ErrorIs(t, err, model.ErrEncryption)
	assert.False(t, added)
}

func TestFileMessageAttachment(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	data := []byte("%PDF-1.7 not really")
	msg, err := alice.SendMessage(ctx, SendRequest{
		ChatID: chat.ID, Plaintext: "report", Type: model.TypeFile, FileBytes: data, FileName: "r.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), msg.FileSize)

	stored, err := w.remote.Store.Message(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, strings.Contains(stored.Content, "not really"))

	got, err := bob.Attachment(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	text, err := alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "no file"})
	require.NoError(t, err)
	_, err = bob.Attachment(ctx, text.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStopFlushesPendingQueue(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)
	w.remote.setDown(true)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "later"})
	require.Error(t, err)

	alice.Stop(ctx)

	reloaded := cache.New(alice.db, nil)
	require.NoError(t, reloaded.Load(ctx))
	pending := reloaded.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "later", pending[0].Plaintext)
	msgs := reloaded.Messages(chat.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.PhasePending, msgs[0].Phase)
}

func TestRestartKeepsDeviceKey(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	ctx := context.Background()

	first, err := alice.crypto.PublicKey()
	require.NoError(t, err)

	alice.Logout(ctx)
	profile, err := alice.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, profile.PublicKey)
	assert.Equal(t, int64(1), profile.ShortID)

	me, err := alice.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", me.ID)
}

func TestSecondDeviceOfIdentityIsRefused(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	bob := w.device("bob")
	ctx := context.Background()

	published, err := alice.crypto.PublicKey()
	require.NoError(t, err)

	other := w.device("alice")
	assert.Equal(t, status.AuthRequired, other.machine.Current())
	assert.False(t, other.crypto.HasKeys())
	_, err = other.Login(ctx)
	assert.ErrorIs(t, err, model.ErrKeyConflict)

	profile, err := w.remote.Store.ProfileByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, published, profile.PublicKey)

	// The first device keeps reading messages addressed to the identity.
	chat, err := bob.CreateChat(ctx, []string{"alice"}, false, "")
	require.NoError(t, err)
	sent, err := bob.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "still yours"})
	require.NoError(t, err)
	_, err = alice.GetUserChats(ctx)
	require.NoError(t, err)
	rm, err := w.remote.Store.Message(ctx, sent.ID)
	require.NoError(t, err)
	got, added, err := alice.IngestMessage(ctx, *rm)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "still yours", got.Plaintext)
}

func TestConcurrentSendsOnOneChatAreSerialized(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: fmt.Sprintf("tap %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	msgs, err := alice.Messages(chat.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, n)

	reloaded := cache.New(alice.db, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.Messages(chat.ID), n)
}

func TestSendFailureIsReportedOnce(t *testing.T) {
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, []string{"bob"}, false, "")
	require.NoError(t, err)

	failed, unsub := alice.bus.Subscribe(bus.KindMessageSendFail, 4)
	defer unsub()

	w.remote.setDown(true)
	_, err = alice.SendMessage(ctx, SendRequest{ChatID: chat.ID, Plaintext: "x"})
	require.Error(t, err)
	alice.RetryPendingMessages(ctx)

	assert.Len(t, failed, 1)
	pending := alice.PendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.True(t, errors.Is(err, model.ErrPersistence))
}

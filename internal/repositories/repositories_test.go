package repositories

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tyyrok/chatcore/internal/db"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "chat.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func createUser(t *testing.T, repo UserRepository, username string) *db.User {
	t.Helper()
	user := &db.User{Username: username, DisplayName: username, IsActive: true}
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

// directConversation builds the 1:1 conversation between a and b.
func directConversation(a, b *db.User) *db.Conversation {
	if b.Username < a.Username {
		a, b = b, a
	}
	return &db.Conversation{
		Name:         a.Username + "__" + b.Username,
		FirstUserID:  a.ID,
		SecondUserID: b.ID,
	}
}

func TestUserRepository(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	users := NewUserRepository(openTestDB(t))

	alice := createUser(t, users, "alice")
	createUser(t, users, "bob")

	err := users.Create(ctx, &db.User{Username: "alice"})
	req.ErrorIs(err, ErrConflict)

	got, err := users.GetByUsername(ctx, "alice")
	req.NoError(err)
	req.Equal(alice.ID, got.ID)

	_, err = users.GetByUsername(ctx, "carol")
	req.ErrorIs(err, ErrNotFound)

	list, total, err := users.List(ctx, ListOptions{Limit: 10})
	req.NoError(err)
	req.EqualValues(2, total)
	req.Equal("alice", list[0].Username)
	req.Equal("bob", list[1].Username)
}

func TestConversationRepository_GetOrCreate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	first, created, err := convs.GetOrCreate(ctx, directConversation(alice, bob))
	req.NoError(err)
	req.True(created)
	req.Equal("alice__bob", first.Name)
	req.Equal(alice.ID, first.FirstUserID)
	req.Equal(bob.ID, first.SecondUserID)

	second, created, err := convs.GetOrCreate(ctx, directConversation(bob, alice))
	req.NoError(err)
	req.False(created)
	req.Equal(first.ID, second.ID)
}

func TestConversationRepository_GetOrCreateConcurrent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, ok, err := convs.GetOrCreate(ctx, directConversation(alice, bob))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[conv.ID.String()] = struct{}{}
		}()
	}
	wg.Wait()

	req.Equal(1, created)
	req.Len(ids, 1)
}

func TestConversationRepository_ListForUser(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)

	named := map[string]*db.User{}
	for _, username := range []string{"alice", "bob", "carol", "al", "alice_x", "dave"} {
		named[username] = createUser(t, users, username)
	}
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "carol"}, {"al", "bob"}, {"alice_x", "dave"}} {
		_, _, err := convs.GetOrCreate(ctx, directConversation(named[pair[0]], named[pair[1]]))
		req.NoError(err)
	}

	list, total, err := convs.ListForUser(ctx, named["alice"].ID, ListOptions{Limit: 10})
	req.NoError(err)
	req.EqualValues(1, total)
	req.Equal("alice__bob", list[0].Name)

	_, total, err = convs.ListForUser(ctx, named["bob"].ID, ListOptions{Limit: 10})
	req.NoError(err)
	req.EqualValues(3, total)
}

func TestConversationRepository_ListForUserIsCaseSensitive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)

	alice := createUser(t, users, "alice")
	upper := createUser(t, users, "Alice")
	bob := createUser(t, users, "bob")

	_, _, err := convs.GetOrCreate(ctx, directConversation(upper, bob))
	req.NoError(err)

	list, total, err := convs.ListForUser(ctx, alice.ID, ListOptions{Limit: 10})
	req.NoError(err)
	req.Zero(total)
	req.Empty(list)

	list, total, err = convs.ListForUser(ctx, upper.ID, ListOptions{Limit: 10})
	req.NoError(err)
	req.EqualValues(1, total)
	req.Equal("Alice__bob", list[0].Name)
}

func TestMessageRepository(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)
	msgs := NewMessageRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	conv, _, err := convs.GetOrCreate(ctx, directConversation(alice, bob))
	req.NoError(err)

	for _, content := range []string{"one", "two", "three"} {
		req.NoError(msgs.Create(ctx, &db.Message{
			ConversationID: conv.ID,
			FromUserID:     alice.ID,
			ToUserID:       bob.ID,
			Content:        content,
		}))
	}

	page, total, err := msgs.ListByConversation(ctx, conv.ID, ListOptions{Limit: 2})
	req.NoError(err)
	req.EqualValues(3, total)
	req.Len(page, 2)
	req.Equal("three", page[0].Content)
	req.Equal("two", page[1].Content)

	unread, err := msgs.CountUnread(ctx, bob.ID)
	req.NoError(err)
	req.EqualValues(3, unread)

	// The sender marking read changes nothing.
	n, err := msgs.MarkReadForRecipient(ctx, conv.ID, alice.ID)
	req.NoError(err)
	req.Zero(n)

	n, err = msgs.MarkReadForRecipient(ctx, conv.ID, bob.ID)
	req.NoError(err)
	req.EqualValues(3, n)

	n, err = msgs.MarkReadForRecipient(ctx, conv.ID, bob.ID)
	req.NoError(err)
	req.Zero(n)

	unread, err = msgs.CountUnread(ctx, bob.ID)
	req.NoError(err)
	req.Zero(unread)
}

func TestGroupConversationRepository(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	groups := NewGroupConversationRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	group := &db.GroupConversation{Name: "group_chat_with__alice__1", AdminID: alice.ID}
	req.NoError(groups.Create(ctx, group))

	err := groups.Create(ctx, &db.GroupConversation{Name: "group_chat_with__alice__1", AdminID: alice.ID})
	req.ErrorIs(err, ErrConflict)

	count, err := groups.CountByAdmin(ctx, alice.ID)
	req.NoError(err)
	req.EqualValues(1, count)

	isMember, err := groups.IsMember(ctx, group.ID, alice.ID)
	req.NoError(err)
	req.True(isMember, "admin is enrolled on creation")

	added, err := groups.AddMember(ctx, group.ID, bob.ID)
	req.NoError(err)
	req.True(added)

	added, err = groups.AddMember(ctx, group.ID, bob.ID)
	req.NoError(err)
	req.False(added)

	members, err := groups.ListMembers(ctx, group.ID)
	req.NoError(err)
	req.Len(members, 2)

	mine, total, err := groups.ListForMember(ctx, bob.ID, ListOptions{Limit: 10})
	req.NoError(err)
	req.EqualValues(1, total)
	req.Equal(group.ID, mine[0].ID)

	removed, err := groups.RemoveMember(ctx, group.ID, bob.ID)
	req.NoError(err)
	req.True(removed)

	removed, err = groups.RemoveMember(ctx, group.ID, bob.ID)
	req.NoError(err)
	req.False(removed)
}

func TestGroupMessageRepository_ReadTracking(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	groups := NewGroupConversationRepository(database)
	msgs := NewGroupMessageRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	group := &db.GroupConversation{Name: "group_chat_with__alice__1", AdminID: alice.ID}
	req.NoError(groups.Create(ctx, group))
	_, err := groups.AddMember(ctx, group.ID, bob.ID)
	req.NoError(err)

	hello := &db.GroupMessage{GroupConversationID: group.ID, FromUserID: alice.ID, Content: "hello"}
	req.NoError(msgs.Create(ctx, hello))
	req.NoError(msgs.Create(ctx, &db.GroupMessage{
		GroupConversationID: group.ID,
		FromUserID:          alice.ID,
		Kind:                db.MessageKindSystem,
		Content:             "alice added bob",
	}))

	readers, err := msgs.ReadersOf(ctx, []uuid.UUID{hello.ID})
	req.NoError(err)
	req.Equal([]uuid.UUID{alice.ID}, readers[hello.ID])

	unread, err := msgs.CountUnread(ctx, alice.ID)
	req.NoError(err)
	req.Zero(unread, "own messages are never unread")

	unread, err = msgs.CountUnread(ctx, bob.ID)
	req.NoError(err)
	req.EqualValues(1, unread, "system messages are not counted")

	req.NoError(msgs.MarkAllRead(ctx, group.ID, bob.ID))
	req.NoError(msgs.MarkAllRead(ctx, group.ID, bob.ID))

	unread, err = msgs.CountUnread(ctx, bob.ID)
	req.NoError(err)
	req.Zero(unread)

	readers, err = msgs.ReadersOf(ctx, []uuid.UUID{hello.ID})
	req.NoError(err)
	req.ElementsMatch([]uuid.UUID{alice.ID, bob.ID}, readers[hello.ID])

	page, total, err := msgs.ListByGroup(ctx, group.ID, ListOptions{Limit: 50})
	req.NoError(err)
	req.EqualValues(2, total)
	req.Equal(db.MessageKindSystem, page[0].Kind)
}

func TestPresenceRepository(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	database := openTestDB(t)
	users := NewUserRepository(database)
	convs := NewConversationRepository(database)
	presence := NewPresenceRepository(database)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	conv, _, err := convs.GetOrCreate(ctx, directConversation(alice, bob))
	req.NoError(err)

	req.NoError(presence.Join(ctx, conv.ID, alice.ID))
	req.NoError(presence.Join(ctx, conv.ID, alice.ID))
	req.NoError(presence.Join(ctx, conv.ID, bob.ID))

	online, err := presence.ListOnline(ctx, conv.ID)
	req.NoError(err)
	req.Len(online, 2)

	req.NoError(presence.Leave(ctx, conv.ID, alice.ID))
	req.NoError(presence.Leave(ctx, conv.ID, alice.ID))

	online, err = presence.ListOnline(ctx, conv.ID)
	req.NoError(err)
	req.Len(online, 1)
	req.Equal("bob", online[0].Username)

	entries, err := presence.ListEntries(ctx)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal("bob", entries[0].Username)
	req.Equal("alice__bob", entries[0].DirectName)
	req.Empty(entries[0].GroupName)

	req.NoError(presence.Clear(ctx))
	entries, err = presence.ListEntries(ctx)
	req.NoError(err)
	req.Empty(entries)
}

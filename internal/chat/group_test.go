package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyyrok/chatcore/internal/repositories"
)

func memberNames(t *testing.T, f *fixture, group string) []string {
	t.Helper()
	ctx := context.Background()
	g, err := f.groups.GetByName(ctx, group)
	require.NoError(t, err)
	members, err := f.groups.ListMembers(ctx, g.ID)
	require.NoError(t, err)
	return usernames(members)
}

func groupMessageCount(t *testing.T, f *fixture, group string) int64 {
	t.Helper()
	ctx := context.Background()
	g, err := f.groups.GetByName(ctx, group)
	require.NoError(t, err)
	_, total, err := f.groupMessages.ListByGroup(ctx, g.ID, repositories.ListOptions{Limit: 1})
	require.NoError(t, err)
	return total
}

func TestGroup_NewRedirectsThenReconnectJoins(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")

	conn := newFakeConn("alice")
	sess, err := f.svc.Connect(context.Background(), Endpoint{Kind: GroupEndpoint, Target: NewGroupTarget}, alice, conn)
	req.ErrorIs(err, ErrRedirected)
	req.Nil(sess)
	req.Equal([]string{TypeRedirect}, conn.types())
	req.Equal("group_chat_with__alice__1", conn.last()["url"])
	req.Zero(f.hub.ConnectedCount(), "a redirected connection never subscribes")

	_, joined := f.connect(t, GroupEndpoint, "group_chat_with__alice__1", alice)
	req.Equal([]string{TypeLastGroupMessages, TypeMembersList, TypeUserJoin}, joined.types())

	members := joined.ofType(TypeMembersList)[0]
	req.Equal([]any{map[string]any{"username": "alice", "first_name": "Display alice"}}, members["users"])
	req.Equal([]any{"alice"}, members["online"])
}

func TestGroup_SequentialNames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")

	req.Equal("group_chat_with__alice__1", f.newGroup(t, alice))
	req.Equal("group_chat_with__alice__2", f.newGroup(t, alice))
}

func TestGroup_ConcurrentCreationYieldsDistinctNames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")

	const creators = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]struct{}{}
	)
	for range creators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newFakeConn("alice")
			_, err := f.svc.Connect(context.Background(), Endpoint{Kind: GroupEndpoint, Target: NewGroupTarget}, alice, conn)
			if !errors.Is(err, ErrRedirected) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			names[conn.last()["url"].(string)] = struct{}{}
		}()
	}
	wg.Wait()

	req.Len(names, creators)
	count, err := f.groups.CountByAdmin(context.Background(), alice.ID)
	req.NoError(err)
	req.EqualValues(creators, count)
}

func TestGroup_NumberingSkipsTakenNames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")

	// bob squats alice's next name by connecting to it directly.
	f.connect(t, GroupEndpoint, "group_chat_with__alice__1", bob)

	req.Equal("group_chat_with__alice__2", f.newGroup(t, alice))
}

func TestGroup_NonMemberIsRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	group := f.newGroup(t, alice)

	ep := Endpoint{Kind: GroupEndpoint, Target: group}
	req.ErrorIs(f.svc.Authorize(context.Background(), ep, bob), ErrNotMember)

	conn := newFakeConn("bob")
	_, err := f.svc.Connect(context.Background(), ep, bob, conn)
	req.ErrorIs(err, ErrNotMember)
	req.Empty(conn.types())
}

func TestGroup_AddUnknownMemberChangesNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	group := f.newGroup(t, alice)

	sess, conn := f.connect(t, GroupEndpoint, group, alice)
	before := memberNames(t, f, group)

	send(t, sess, map[string]any{"type": "add_member", "name": "ghost"})

	req.Equal(before, memberNames(t, f, group))
	req.Zero(groupMessageCount(t, f, group))
	req.Empty(conn.ofType(TypeChatMessageEcho))
	errs := conn.ofType(TypeError)
	req.Len(errs, 1)
	req.Equal(CodeNotFound, errs[0]["code"])
}

func TestGroup_AddMember(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	group := f.newGroup(t, alice)

	sess, conn := f.connect(t, GroupEndpoint, group, alice)
	_, bobFeed := f.connect(t, NotificationsEndpoint, "", bob)
	conn.reset()

	send(t, sess, map[string]any{"type": "add_member", "name": "bob"})

	req.Equal([]string{"alice", "bob"}, memberNames(t, f, group))
	req.Equal([]string{TypeMembersList, TypeChatMessageEcho}, conn.types())

	echo := conn.ofType(TypeChatMessageEcho)[0]["message"].(map[string]any)
	req.Equal("User bob was added to the chat", echo["content"])
	req.Equal("system", echo["kind"])
	req.Equal("alice", echo["from_user"].(map[string]any)["username"])
	req.Empty(echo["read"])

	notes := bobFeed.ofType("new_message_group_notification")
	req.Len(notes, 1)
	req.Equal("alice", notes[0]["name"])

	// Adding twice is refused and writes nothing.
	send(t, sess, map[string]any{"type": "add_member", "name": "bob"})
	req.Equal(CodeAlreadyMember, conn.last()["code"])
	req.EqualValues(1, groupMessageCount(t, f, group))

	// bob may now join.
	f.connect(t, GroupEndpoint, group, bob)
}

func TestGroup_ChatMessageFansOutToMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	carol := f.identity(t, "carol")
	group := f.newGroup(t, alice)

	aliceSess, aliceConn := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "carol"})

	bobSess, bobConn := f.connect(t, GroupEndpoint, group, bob)
	_, aliceFeed := f.connect(t, NotificationsEndpoint, "", alice)
	_, carolFeed := f.connect(t, NotificationsEndpoint, "", carol)
	aliceConn.reset()

	send(t, bobSess, map[string]any{"type": "chat_message", "message": "hello all"})

	req.Len(aliceConn.ofType(TypeChatMessageEcho), 1)
	req.Len(bobConn.ofType(TypeChatMessageEcho), 1)

	echo := bobConn.ofType(TypeChatMessageEcho)[0]
	req.Equal("bob", echo["username"])
	msg := echo["message"].(map[string]any)
	req.Equal([]any{"bob"}, msg["read"], "the sender has read their own message")
	req.Equal("user", msg["kind"])

	req.Len(aliceFeed.ofType("new_message_group_notification"), 1)
	req.Len(carolFeed.ofType("new_message_group_notification"), 1)

	unread, err := f.groupMessages.CountUnread(context.Background(), carol.ID)
	req.NoError(err)
	req.EqualValues(1, unread, "system messages are not counted, bob's message is")
}

func TestGroup_ReadGroupMessages(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	group := f.newGroup(t, alice)

	aliceSess, _ := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})
	send(t, aliceSess, map[string]any{"type": "chat_message", "message": "one"})
	send(t, aliceSess, map[string]any{"type": "chat_message", "message": "two"})

	_, bobFeed := f.connect(t, NotificationsEndpoint, "", bob)
	req.EqualValues(2, bobFeed.ofType("unread_group_count")[0]["unread_group_count"])

	bobSess, bobConn := f.connect(t, GroupEndpoint, group, bob)
	send(t, bobSess, map[string]any{"type": "read_group_messages"})
	send(t, bobSess, map[string]any{"type": "read_group_messages"})

	counts := bobFeed.ofType("unread_group_count")
	req.Len(counts, 3)
	req.EqualValues(0, counts[1]["unread_group_count"])
	req.EqualValues(0, counts[2]["unread_group_count"])

	history := bobConn.ofType(TypeLastGroupMessages)[0]["group_messages"].([]any)
	req.Len(history, 3)
	req.Equal("two", history[0].(map[string]any)["content"])
	req.Equal("system", history[2].(map[string]any)["kind"])
}

func TestGroup_RemoveMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	f.identity(t, "carol")
	group := f.newGroup(t, alice)

	aliceSess, aliceConn := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})
	bobSess, bobConn := f.connect(t, GroupEndpoint, group, bob)
	aliceConn.reset()

	send(t, aliceSess, map[string]any{"type": "remove_member", "name": "bob"})

	req.Equal([]string{"alice"}, memberNames(t, f, group))
	req.Equal([]string{TypeMembersList, TypeChatMessageEcho}, aliceConn.types())
	req.Equal([]any{"alice"}, aliceConn.ofType(TypeMembersList)[0]["online"], "bob's presence is gone")

	g, err := f.groups.GetByName(ctx, group)
	req.NoError(err)
	online, err := f.presence.ListOnline(ctx, g.ID)
	req.NoError(err)
	req.Equal([]string{"alice"}, usernames(online))

	// bob is still connected but can no longer post or hear the group.
	bobConn.reset()
	send(t, bobSess, map[string]any{"type": "chat_message", "message": "still here?"})
	req.Equal([]string{TypeError}, bobConn.types())
	req.Equal(CodeNotMember, bobConn.last()["code"])

	send(t, aliceSess, map[string]any{"type": "remove_member", "name": "carol"})
	req.Equal(CodeNotMember, aliceConn.last()["code"])

	send(t, aliceSess, map[string]any{"type": "remove_member", "name": "ghost"})
	req.Equal(CodeNotFound, aliceConn.last()["code"])

	send(t, aliceSess, map[string]any{"type": "remove_member", "name": "alice"})
	req.Equal(CodeForbidden, aliceConn.last()["code"])
	req.EqualValues(2, groupMessageCount(t, f, group))
}

func TestGroup_AdminOnlyMembershipChanges(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	f.identity(t, "carol")
	group := f.newGroup(t, alice)

	aliceSess, _ := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})

	bobSess, bobConn := f.connect(t, GroupEndpoint, group, bob)
	send(t, bobSess, map[string]any{"type": "add_member", "name": "carol"})

	req.Equal(CodeForbidden, bobConn.last()["code"])
	req.Equal([]string{"alice", "bob"}, memberNames(t, f, group))
}

func TestGroup_AnyMemberMayChangeMembersByDefault(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	f.identity(t, "carol")
	group := f.newGroup(t, alice)

	aliceSess, _ := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})

	bobSess, bobConn := f.connect(t, GroupEndpoint, group, bob)
	send(t, bobSess, map[string]any{"type": "add_member", "name": "carol"})

	req.Empty(bobConn.ofType(TypeError))
	req.Equal([]string{"alice", "bob", "carol"}, memberNames(t, f, group))

	echo := bobConn.ofType(TypeChatMessageEcho)
	req.Equal("bob", echo[len(echo)-1]["username"])
	req.Equal("alice", echo[len(echo)-1]["message"].(map[string]any)["from_user"].(map[string]any)["username"],
		"system messages are authored by the admin")
}

func TestGroup_DisconnectIsSilent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	group := f.newGroup(t, alice)

	aliceSess, aliceConn := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})
	bobSess, _ := f.connect(t, GroupEndpoint, group, bob)
	aliceConn.reset()

	bobSess.Disconnect(context.Background())

	req.Empty(aliceConn.types())
	_, again := f.connect(t, GroupEndpoint, group, alice)
	req.Equal([]any{"alice"}, again.ofType(TypeMembersList)[0]["online"])
}

func TestGroup_ClosingOneTabKeepsPresence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")
	group := f.newGroup(t, alice)

	aliceSess, _ := f.connect(t, GroupEndpoint, group, alice)
	send(t, aliceSess, map[string]any{"type": "add_member", "name": "bob"})
	firstTab, _ := f.connect(t, GroupEndpoint, group, bob)
	f.connect(t, GroupEndpoint, group, bob)

	firstTab.Disconnect(context.Background())

	_, again := f.connect(t, GroupEndpoint, group, alice)
	req.ElementsMatch([]any{"alice", "bob"}, again.ofType(TypeMembersList)[0]["online"])
}

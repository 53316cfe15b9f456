package chat

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tyyrok/chatcore/internal/db"
)

const (
	// nameSeparator joins identities inside canonical names. Usernames may
	// not contain it.
	nameSeparator = "__"

	// NewGroupTarget asks the server to create a group and redirect to it.
	NewGroupTarget = "new"

	// undefinedTarget is what browser clients send before a name is known.
	undefinedTarget = "undefined"

	groupNamePrefix = "group_chat_with"
)

// DirectName returns the canonical name of the 1:1 conversation between a
// and b. It is the same whichever argument order is used.
func DirectName(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return pair[0] + nameSeparator + pair[1]
}

// newDirectConversation returns the unsaved 1:1 conversation between a and b,
// with participants in the same order as in its name.
func newDirectConversation(a, b *db.User) *db.Conversation {
	if b.Username < a.Username {
		a, b = b, a
	}
	return &db.Conversation{
		Name:         DirectName(a.Username, b.Username),
		FirstUserID:  a.ID,
		SecondUserID: b.ID,
	}
}

// ParseDirectName validates a 1:1 conversation name requested by caller and
// returns the other participant.
func ParseDirectName(name, caller string) (string, error) {
	parts := strings.Split(name, nameSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return "", fmt.Errorf("%w: %q is not a 1:1 conversation name", ErrInvalidTarget, name)
	}
	if DirectName(parts[0], parts[1]) != name {
		return "", fmt.Errorf("%w: %q is not in canonical order", ErrInvalidTarget, name)
	}
	switch caller {
	case parts[0]:
		return parts[1], nil
	case parts[1]:
		return parts[0], nil
	default:
		return "", fmt.Errorf("%w: %q does not involve %q", ErrInvalidTarget, name, caller)
	}
}

// groupName returns the n-th sequential group name of creator.
func groupName(creator string, n int64) string {
	return groupNamePrefix + nameSeparator + creator + nameSeparator + strconv.FormatInt(n, 10)
}

// validTarget rejects targets a browser sends before it knows a name.
func validTarget(target string) error {
	if target == "" || target == undefinedTarget {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func TestModels_BaseFieldsAreMapped(t *testing.T) {
	for _, model := range []any{&User{}, &Conversation{}, &Message{}, &GroupConversation{}, &GroupMessage{}} {
		s, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)

		req := require.New(t)
		req.NotNil(s.PrioritizedPrimaryField, "%s has no primary key", s.Name)
		req.Equal("id", s.PrioritizedPrimaryField.DBName, s.Name)
		for _, column := range []string{"id", "created_at", "updated_at"} {
			req.Contains(s.FieldsByDBName, column, "%s.%s", s.Name, column)
		}
	}
}

func TestNew_AssignsIDAndTimestamps(t *testing.T) {
	req := require.New(t)
	database, err := New(Config{
		DSN:      filepath.Join(t.TempDir(), "chat.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	req.NoError(err)
	t.Cleanup(func() { _ = Close(database) })
	req.NoError(Ping(context.Background(), database))

	user := &User{Username: "alice", DisplayName: "Alice", IsActive: true}
	req.NoError(database.Create(user).Error)
	req.NotZero(user.ID)
	req.EqualValues(7, user.ID.Version())
	req.False(user.CreatedAt.IsZero())

	var loaded User
	req.NoError(database.First(&loaded, "id = ?", user.ID).Error)
	req.Equal("alice", loaded.Username)
	req.WithinDuration(user.CreatedAt, loaded.CreatedAt, time.Second)
}

func newObservedLogger(cfg Config) (*queryLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return newQueryLogger(zap.New(core), cfg), logs
}

func sqlOf(query string) func() (string, int64) {
	return func() (string, int64) { return query, 1 }
}

func TestQueryLogger_SlowQuery(t *testing.T) {
	req := require.New(t)
	l, logs := newObservedLogger(Config{SlowQueryThreshold: 10 * time.Millisecond})

	l.Trace(context.Background(), time.Now().Add(-time.Second), sqlOf("SELECT 1"), nil)
	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 2"), nil)

	entries := logs.All()
	req.Len(entries, 1)
	req.Equal(zapcore.WarnLevel, entries[0].Level)
	req.Equal("slow query", entries[0].Message)
	req.Equal("SELECT 1", entries[0].ContextMap()["sql"])
}

func TestQueryLogger_SlowQueryDisabled(t *testing.T) {
	l, logs := newObservedLogger(Config{SlowQueryThreshold: -1})

	l.Trace(context.Background(), time.Now().Add(-time.Minute), sqlOf("SELECT 1"), nil)
	require.Zero(t, logs.Len())
}

func TestQueryLogger_NotFound(t *testing.T) {
	req := require.New(t)

	l, logs := newObservedLogger(Config{})
	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), gorm.ErrRecordNotFound)
	req.Zero(logs.Len())

	l, logs = newObservedLogger(Config{LogNotFound: true})
	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), gorm.ErrRecordNotFound)
	req.Equal(1, logs.FilterMessage("query failed").Len())
}

func TestQueryLogger_Levels(t *testing.T) {
	req := require.New(t)
	l, logs := newObservedLogger(Config{})

	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), nil)
	req.Zero(logs.Len(), "statements are not traced at the default level")

	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), errors.New("boom"))
	req.Equal(1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	verbose := l.LogMode(gormlogger.Info)
	verbose.Trace(context.Background(), time.Now(), sqlOf("SELECT 3"), nil)
	req.Equal(1, logs.FilterMessage("query").Len())

	l.LogMode(gormlogger.Silent).Error(context.Background(), "dropped %d", 1)
	l.Error(context.Background(), "kept %d", 2)
	req.Equal(1, logs.FilterMessage("kept 2").Len())
	req.Zero(logs.FilterMessage("dropped 1").Len())
}

// Package testutil provides shared test doubles and fixtures for backend tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"agora/internal/database"
	"agora/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteDB opens a migrated in-memory SQLite database private to the test.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every pooled connection to ":memory:" is a separate database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedUsers inserts users named after their position and returns them.
func SeedUsers(t testing.TB, db *gorm.DB, names ...string) []*models.User {
	t.Helper()
	users := make([]*models.User, 0, len(names))
	for _, name := range names {
		u := &models.User{Username: name, OnlineStatus: models.StatusOffline}
		require.NoError(t, db.Create(u).Error)
		users = append(users, u)
	}
	return users
}

// SeedGroup inserts a group owned by the first member.
func SeedGroup(t testing.TB, db *gorm.DB, name string, members ...*models.User) *models.Group {
	t.Helper()
	require.NotEmpty(t, members)
	g := &models.Group{Name: name, CreatedBy: members[0].ID}
	for i, m := range members {
		role := models.GroupRoleMember
		if i == 0 {
			role = models.GroupRoleAdmin
		}
		g.Members = append(g.Members, models.GroupMember{UserID: m.ID, Role: role, JoinedAt: time.Now()})
	}
	require.NoError(t, db.Create(g).Error)
	return g
}

// SeedPost inserts a post by author.
func SeedPost(t testing.TB, db *gorm.DB, author *models.User) *models.Post {
	t.Helper()
	p := &models.Post{AuthorID: author.ID, Content: "post by " + author.Username}
	require.NoError(t, db.WithContext(context.Background()).Create(p).Error)
	return p
}

package database

import (
	"testing"

	"agora/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestConnect_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", DBSQLitePath: ":memory:", Env: "test"}

	db, err := Connect(cfg)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	assert.True(t, db.Migrator().HasTable("comments"))
}

func TestDialector_Postgres(t *testing.T) {
	d := Dialector(&config.Config{DBDriver: "postgres", DBHost: "db", DBPort: "5432"})
	assert.Equal(t, "postgres", d.Name())
}

func TestGormLogger_LogMode(t *testing.T) {
	l := NewGormLogger(nil)
	silent := l.LogMode(logger.Silent).(*CustomGormLogger)
	assert.Equal(t, logger.Silent, silent.Config.LogLevel)
	assert.Equal(t, logger.Warn, l.Config.LogLevel)
}

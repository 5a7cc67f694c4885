package cliutil

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestKeyGenerationAndLoading(t *testing.T) {
	assert := assert.New(t)

	fkey := filepath.Join(t.TempDir(), "keys", "test.key")
	priv, created, err := LoadOrGenerateKey(fkey, "node.example")
	require.NoError(t, err)
	assert.True(created)

	loaded, err := LoadKeyFromFile(fkey)
	require.NoError(t, err)
	assert.True(priv.Equal(loaded))

	again, created, err := LoadOrGenerateKey(fkey, "node.example")
	require.NoError(t, err)
	assert.False(created)
	assert.True(priv.Equal(again))

	msg := []byte("announce")
	sig, err := loaded.HashAndSign(msg)
	assert.NoError(err)
	assert.NoError(priv.PublicKey().HashAndVerify(msg, sig))
}

func TestSetupDatabase(t *testing.T) {
	assert := assert.New(t)

	db, err := SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "sub", "test.sqlite"), 10)
	require.NoError(t, err)
	assert.NoError(db.Exec("SELECT 1").Error)

	_, err = SetupDatabase("mysql://nope", 10)
	assert.Error(err)
}

func TestIsDuplicateKey(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(IsDuplicateKey(fmt.Errorf("creating row: %w", gorm.ErrDuplicatedKey)))
	assert.True(IsDuplicateKey(errors.New("UNIQUE constraint failed: handle_registry.handle")))
	assert.True(IsDuplicateKey(errors.New(`ERROR: duplicate key value violates unique constraint "idx_handle_registry_handle"`)))
	assert.False(IsDuplicateKey(errors.New("database is locked")))
	assert.False(IsDuplicateKey(nil))
}

// Untranslated driver errors from a raw sqlite handle are still recognized.
func TestIsDuplicateKeyUntranslated(t *testing.T) {
	require := require.New(t)

	raw, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "dup.sqlite")), &gorm.Config{})
	require.NoError(err)
	require.NoError(raw.Exec("CREATE TABLE item (name TEXT NOT NULL UNIQUE)").Error)
	require.NoError(raw.Exec("INSERT INTO item (name) VALUES (?)", "a").Error)
	err = raw.Exec("INSERT INTO item (name) VALUES (?)", "a").Error
	require.Error(err)
	require.NotErrorIs(err, gorm.ErrDuplicatedKey)
	require.True(IsDuplicateKey(err))
}

func TestSetupSlog(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	logger, err := SetupSlog(LogOptions{LogLevel: "warn", LogFormat: "json", Out: &buf})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "security", "key_change")
	assert.NotContains(buf.String(), "hidden")
	assert.Contains(buf.String(), `"security":"key_change"`)

	_, err = SetupSlog(LogOptions{LogLevel: "loud"})
	assert.Error(err)
}

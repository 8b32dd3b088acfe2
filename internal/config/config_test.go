package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"db_type": "sqlite3"},
		"databases": {"sqlite3": {"dsn": "data/taxreply.db"}},
		"providers": {"openai": {"api_key": "sk-test"}},
		"retrieval": {"lexical_index_path": "data/lexical.bleve"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, ":8090", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, filepath.Join(dir, "data/taxreply.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, filepath.Join(dir, "data/lexical.bleve"), cfg.Retrieval.LexicalIndexPath)
	assert.Equal(t, 1500, cfg.Chunking.MaxChars)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.InDelta(t, 0.05, cfg.Retrieval.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.3, cfg.Chat.Temperature, 1e-9)
	assert.Equal(t, 4096, cfg.Chat.MaxTokens)
	assert.Equal(t, 5*time.Minute, cfg.Chat.RequestTimeout)
	assert.Equal(t, "sk-test", cfg.Provider("openai").APIKey)
	assert.Empty(t, cfg.Provider("anthropic").APIKey)
}

func TestLoadRejectsMissingDatabase(t *testing.T) {
	path := writeConfig(t, `{"basic_config": {"db_type": "mysql"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database config for mysql not found")
}

func TestLoadRejectsOverlapLargerThanWindow(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "x.db"}},
		"chunking": {"max_chars": 100, "overlap": 100}
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsTinyWindow(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": "x.db"}},
		"chunking": {"max_chars": 2, "overlap": 0}
	}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_chars 2")
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"databases": {"sqlite3": {"dsn": "x.db"}}}`)
	t.Setenv("TAXREPLY_BASIC_CONFIG_SERVER_ADDRESS", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.BasicConfig.ServerAddress)
}

package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoLevelAndStderr(t *testing.T) {
	log := New(Config{})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.Equal(t, os.Stderr, log.Out)
}

func TestNewParsesConfiguredLevel(t *testing.T) {
	log := New(Config{Level: "debug"})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNewFallsBackToInfoOnUnparseableLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

// TestNewWritesToRotatingFileWhenConfigured confirms a log line actually
// lands on disk when LogFile is set, rather than only asserting on the
// lumberjack.Logger's field wiring.
func TestNewWritesToRotatingFileWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")
	log := New(Config{LogFile: path})
	log.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 100, orDefault(0, 100))
	assert.Equal(t, 100, orDefault(-5, 100))
	assert.Equal(t, 7, orDefault(7, 100))
}

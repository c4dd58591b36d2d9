package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/providerledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_defaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.True(t, errors.Is(err, config.ErrNoConfigFile))
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort)
	assert.Equal(t, config.BackendMemory, cfg.State.Backend)
	assert.Equal(t, config.OrderingLocal, cfg.Ordering.Backend)
	assert.Equal(t, 10, cfg.Ordering.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Ordering.BatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Peer.CommitTimeout)
}

func TestLoad_fileAndEnv(t *testing.T) {
	path := writeFile(t, `
state:
  backend: badger
  badger_path: /var/lib/ledger
history:
  backend: badger
ordering:
  backend: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: blocks
`)
	t.Setenv("SERVER_PORT", "18080")
	t.Setenv("PEER_COMMIT_TIMEOUT", "3s")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Peer.CommitTimeout)
	assert.Equal(t, config.BackendBadger, cfg.State.Backend)
	assert.Equal(t, "/var/lib/ledger", cfg.State.BadgerPath)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "blocks", cfg.Kafka.Topic)
	assert.Equal(t, "ledgerd", cfg.Kafka.ClientID)
}

func TestLoad_validation(t *testing.T) {
	tests := map[string]string{
		"persistent state with memory history": "state:\n  backend: postgres\n",
		"badger history without badger state":  "state:\n  backend: postgres\nhistory:\n  backend: badger\n",
		"memory state with persistent history": "history:\n  backend: postgres\n",
		"unknown state backend":                "state:\n  backend: etcd\n",
		"unknown orderer":                      "ordering:\n  backend: raft\n",
		"kafka without topic":                  "ordering:\n  backend: kafka\nkafka:\n  topic: \"\"\n",
		"non-positive batch size":              "ordering:\n  batch_size: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			require.Error(t, err)
			assert.False(t, errors.Is(err, config.ErrNoConfigFile))
		})
	}
}

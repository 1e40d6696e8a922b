package params

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	os.Clearenv()
	cfg := FromEnv()

	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.Equal(t, DefaultStream, cfg.Stream)
	assert.Equal(t, DefaultGroup, cfg.Group)
	assert.Equal(t, 8000, cfg.ReadCount)
	assert.Equal(t, 5*time.Second, cfg.Block())
	assert.Equal(t, 5*time.Minute, cfg.MinIdle())
	assert.Equal(t, 10*time.Second, cfg.ClaimEvery())
	assert.Equal(t, 30*time.Second, cfg.RulesTTL())
	assert.False(t, cfg.UseDedup)
	assert.Equal(t, []string{"correlation_id", "transaction_id"}, cfg.DedupKeys)
	assert.Equal(t, int64(2000000), cfg.StreamMaxLen)
	assert.Equal(t, 1, cfg.AlertsDB)
	assert.Equal(t, 600, cfg.WebhookDedupTTL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnvOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("TX_STREAM", "other_stream")
	os.Setenv("TX_READ_COUNT", "100")
	os.Setenv("TX_USE_DEDUP", "true")
	os.Setenv("TX_DEDUP_KEYS", "transaction_id, device_hash")
	os.Setenv("TX_STOP_MODE", "critical")
	os.Setenv("TX_STOP_CRITICALITY", "high")
	os.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	defer os.Clearenv()

	cfg := FromEnv()
	assert.Equal(t, "other_stream", cfg.Stream)
	assert.Equal(t, 100, cfg.ReadCount)
	assert.True(t, cfg.UseDedup)
	assert.Equal(t, []string{"transaction_id", "device_hash"}, cfg.DedupKeys)
	assert.Equal(t, "critical", cfg.StopMode)
	assert.Equal(t, "high", cfg.StopCriticality)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestFromEnvMalformedFallsBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("TX_READ_COUNT", "lots")
	os.Setenv("TX_USE_DEDUP", "maybe")
	defer os.Clearenv()

	cfg := FromEnv()
	assert.Equal(t, 8000, cfg.ReadCount)
	assert.False(t, cfg.UseDedup)
}

func TestConsumerNameStable(t *testing.T) {
	os.Clearenv()
	cfg := FromEnv()
	name := cfg.ConsumerName("worker")
	assert.True(t, strings.HasPrefix(name, "worker-"))
	assert.Equal(t, name, cfg.ConsumerName("worker"))
}

func TestConsumerNameExplicit(t *testing.T) {
	os.Clearenv()
	os.Setenv("TX_CONSUMER", "c-7")
	defer os.Clearenv()
	cfg := FromEnv()
	assert.Equal(t, "c-7", cfg.ConsumerName("worker"))
}

func TestDSN(t *testing.T) {
	os.Clearenv()
	cfg := FromEnv()
	cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName = "u", "p", "db", 3307, "frauddb"
	assert.Equal(t, "u:p@tcp(db:3307)/frauddb?charset=utf8mb4&parseTime=true&loc=UTC", cfg.DSN())
}

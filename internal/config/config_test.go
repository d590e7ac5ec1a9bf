package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Freshness)
	assert.Equal(t, 5.0, cfg.DefaultRadiusKm)
	assert.Equal(t, 5, cfg.DefaultMaxCandidates)
	assert.Equal(t, "captains_geo", cfg.RedisGeoKey)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("OFFER_TIMEOUT", "8s")
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "12s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("DISPATCH_DEFAULT_RADIUS_KM", "7.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("PG_DSN", "postgres://localhost/dispatch")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 12*time.Second, cfg.OfferTimeout, "prefixed name wins")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 7.5, cfg.DefaultRadiusKm)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("DEFAULT_MAX_CANDIDATES", "0")
	t.Setenv("MIGRATE", "true")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "DEFAULT_MAX_CANDIDATES must be > 0")
	assert.Contains(t, err.Error(), "MIGRATE requires PG_DSN")
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "captain-positions", cfg.KafkaTopic)

	t.Setenv("KAFKA_BROKER", "solo:9092")
	t.Setenv("DISPATCH_KAFKA_GROUP", "g2")
	cfg, err = LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"solo:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "g2", cfg.KafkaGroup)

	t.Setenv("UPDATE_ATTEMPTS", "-1")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "UPDATE_ATTEMPTS")
}

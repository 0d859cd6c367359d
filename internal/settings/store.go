package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/domain"
	"github.com/redis/go-redis/v9"
)

// SchemaVersion is baked into the storage key: a schema change moves to a
// new key and old payloads are simply ignored.
const SchemaVersion = "v1"

type envelope struct {
	SchemaVersion string              `json:"schema_version"`
	Settings      domain.EditSettings `json:"settings"`
}

// RedisStore persists edit settings in an external key-value store. Loading
// is best-effort: any miss, decode failure, or schema mismatch falls back to
// the documented defaults.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *log.Logger
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *log.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "alphaimage:settings"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}, nil
}

func (s *RedisStore) key() string {
	return s.keyPrefix + ":" + SchemaVersion
}

// Load returns the persisted settings, clamped, or the defaults when
// nothing usable is stored. Load never fails.
func (s *RedisStore) Load(ctx context.Context) domain.EditSettings {
	raw, err := s.client.Get(ctx, s.key()).Bytes()
	if err == redis.Nil {
		return domain.DefaultEditSettings()
	}
	if err != nil {
		s.logger.Printf("settings load failed, using defaults err=%v", err)
		return domain.DefaultEditSettings()
	}

	settings, ok := decode(raw)
	if !ok {
		s.logger.Printf("settings payload unusable, using defaults")
		return domain.DefaultEditSettings()
	}
	return settings
}

// decode accepts only intact payloads carrying the current schema version.
func decode(raw []byte) (domain.EditSettings, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.EditSettings{}, false
	}
	if env.SchemaVersion != SchemaVersion {
		return domain.EditSettings{}, false
	}
	return env.Settings.Clamped(), true
}

// Save clamps and persists the settings.
func (s *RedisStore) Save(ctx context.Context, settings domain.EditSettings) error {
	payload, err := json.Marshal(envelope{
		SchemaVersion: SchemaVersion,
		Settings:      settings.Clamped(),
	})
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := s.client.Set(ctx, s.key(), payload, 0).Err(); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

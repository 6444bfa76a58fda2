package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPostgresDSNFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		for _, k := range []string{"PG_HOST", "PG_PORT", "PG_USER", "PG_PASSWORD", "PG_DB", "PG_SSLMODE"} {
			t.Setenv(k, "")
		}
		assert.Equal(t, "postgres://admin@localhost:5432/tributario_db?sslmode=disable", BuildPostgresDSNFromEnv())
	})

	t.Run("EscapesPassword", func(t *testing.T) {
		t.Setenv("PG_HOST", "db")
		t.Setenv("PG_PORT", "6543")
		t.Setenv("PG_USER", "predios")
		t.Setenv("PG_PASSWORD", "p@ss/word")
		t.Setenv("PG_DB", "catastro")
		t.Setenv("PG_SSLMODE", "require")
		assert.Equal(t, "postgres://predios:p%40ss%2Fword@db:6543/catastro?sslmode=require", BuildPostgresDSNFromEnv())
	})
}

func TestOpenRedisFromEnv(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		t.Setenv("REDIS_DISABLED", "true")
		assert.Nil(t, OpenRedisFromEnv())
	})

	t.Run("BadDBFallsBack", func(t *testing.T) {
		t.Setenv("REDIS_DISABLED", "")
		t.Setenv("REDIS_HOST", "cache")
		t.Setenv("REDIS_PORT", "6380")
		t.Setenv("REDIS_DB", "nope")
		rc := OpenRedisFromEnv()
		require.NotNil(t, rc)
		defer rc.Close()
		assert.Equal(t, "cache:6380", rc.Options().Addr)
		assert.Equal(t, 0, rc.Options().DB)
	})
}

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/aggregator/internal/config"
)

func TestNew_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, &config.Config{
		ServiceName: "aggregation-server",
		InstanceID:  "agg-1",
		StoreDriver: config.StoreDriverSQLite,
		LogLevel:    "info",
	})

	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "aggregation-server", line["service"])
	assert.Equal(t, "agg-1", line["instance_id"])
	assert.Equal(t, "sqlite", line["store"])
	assert.Equal(t, "hello", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, &config.Config{})
	logger.Info().Msg("bare")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "service")
	assert.NotContains(t, line, "instance_id")
}

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
	}{
		{"debug", true},
		{"warn", false},
		{"", false},
		{"shouting", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, &config.Config{LogLevel: tt.level})
			logger.Debug().Msg("detail")
			assert.Equal(t, tt.debugSeen, buf.Len() > 0)
		})
	}
}

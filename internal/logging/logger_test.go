package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupBuffer points the global logger at a buffer for one test
func setupBuffer(t *testing.T, config Config) *bytes.Buffer {
	t.Helper()

	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	config.Output = &buf
	require.NoError(t, Setup(config))
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var lines []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		lines = append(lines, line)
	}
	return lines
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   LogLevel
		want    zerolog.Level
		wantErr bool
	}{
		{LevelDebug, zerolog.DebugLevel, false},
		{LevelInfo, zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
		{LevelWarn, zerolog.WarnLevel, false},
		{LevelError, zerolog.ErrorLevel, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			got, err := ParseLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupWritesJSONWithGlobalFields(t *testing.T) {
	config := DefaultConfig()
	config.IncludeCaller = false
	config.GlobalFields = map[string]string{"service": "notifyd"}
	buf := setupBuffer(t, config)

	log.Info().Str("kind", "click").Msg("hello")
	log.Debug().Msg("filtered")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["message"])
	assert.Equal(t, "notifyd", lines[0]["service"])
	assert.Equal(t, "click", lines[0]["kind"])
}

func TestSetupRejectsInvalidLevel(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	config := DefaultConfig()
	config.Level = "loud"
	config.Output = &bytes.Buffer{}
	assert.Error(t, Setup(config))
}

func TestFromContext(t *testing.T) {
	config := DefaultConfig()
	config.IncludeCaller = false
	buf := setupBuffer(t, config)

	// Without a request logger the global one is used
	logger := FromContext(context.Background())
	logger.Info().Msg("global")

	ctx := log.With().Str("request_id", "req-1").Logger().WithContext(context.Background())
	logger = FromContext(ctx)
	logger.Info().Msg("scoped")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "request_id")
	assert.Equal(t, "req-1", lines[1]["request_id"])
}

func TestHTTPMiddleware(t *testing.T) {
	config := DefaultConfig()
	config.IncludeCaller = false
	buf := setupBuffer(t, config)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware())
	r.Get("/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		logger := zerolog.Ctx(r.Context())
		logger.Info().Msg("handler")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)

	assert.Equal(t, "handler", lines[0]["message"])
	assert.Equal(t, "/subscriptions/abc", lines[0]["path"])

	done := lines[1]
	assert.Equal(t, "Request completed", done["message"])
	assert.Equal(t, "warn", done["level"])
	assert.Equal(t, float64(http.StatusNotFound), done["status"])
	assert.Equal(t, float64(len("missing")), done["response_size"])
	assert.Equal(t, "/subscriptions/{id}", done["route"])
}

func TestResponseWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	assert.Same(t, rec, rw.Unwrap())
}

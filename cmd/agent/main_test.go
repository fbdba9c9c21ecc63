package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/timberlogs/internal/config"
	"github.com/Chichichkin/timberlogs/internal/logging/file"
	"github.com/Chichichkin/timberlogs/internal/logging/httpsink"
	"github.com/Chichichkin/timberlogs/internal/logging/loki"
)

func TestBuildSink(t *testing.T) {
	sink, closeSink, err := buildSink(config.SinkConfig{
		Kind: config.SinkLoki,
		Loki: config.LokiConfig{URL: "http://loki:3100"},
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &loki.Sink{}, sink)
	assert.NoError(t, closeSink())

	sink, _, err = buildSink(config.SinkConfig{
		Kind: config.SinkHTTP,
		HTTP: config.HTTPConfig{Endpoint: "http://ingest.local", APIKey: "k"},
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &httpsink.Sink{}, sink)

	sink, closeSink, err = buildSink(config.SinkConfig{
		Kind: config.SinkFile,
		File: file.Config{Path: filepath.Join(t.TempDir(), "out.ndjson")},
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &file.Sink{}, sink)
	assert.NoError(t, closeSink())

	_, _, err = buildSink(config.SinkConfig{Kind: "kafka"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger("debug").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger("nonsense").GetLevel())
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "config"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestConfigCmd_MasksAPIKey(t *testing.T) {
	t.Setenv("TIMBERLOGS_SINK_KIND", "http")
	t.Setenv("TIMBERLOGS_SINK_HTTP_ENDPOINT", "http://ingest.local")
	t.Setenv("TIMBERLOGS_SINK_HTTP_API_KEY", "tb_secret")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config"})
	require.NoError(t, root.Execute())

	assert.NotContains(t, out.String(), "tb_secret")

	var printed config.Config
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "***", printed.Sink.HTTP.APIKey)
	assert.Equal(t, "http", printed.Sink.Kind)
}

func TestRun_StopsWhenContextEnds(t *testing.T) {
	t.Setenv("TIMBERLOGS_SINK_KIND", "file")
	t.Setenv("TIMBERLOGS_SINK_FILE_PATH", filepath.Join(t.TempDir(), "out.ndjson"))
	t.Setenv("TIMBERLOGS_DAEMON_LOG_ROOT_PATH", t.TempDir())
	t.Setenv("TIMBERLOGS_LOG_LEVEL", "error")

	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the context ended")
	}
}

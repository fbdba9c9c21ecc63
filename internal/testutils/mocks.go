package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// MockSink records every batch it accepts. FailFirst makes the first n
// calls fail; ShouldFail makes every call fail.
type MockSink struct {
	mu         sync.Mutex
	batches    [][]logging.LogEntry
	calls      int
	FailFirst  int
	ShouldFail bool
	Delay      time.Duration
}

func (m *MockSink) SendBatch(entries []logging.LogEntry) error {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.ShouldFail || m.calls <= m.FailFirst {
		return fmt.Errorf("mock send failed (call %d)", m.calls)
	}

	m.batches = append(m.batches, append([]logging.LogEntry(nil), entries...))
	return nil
}

func (m *MockSink) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldFail = fail
}

// Calls counts every SendBatch invocation, failed ones included.
func (m *MockSink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockSink) Batches() [][]logging.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]logging.LogEntry(nil), m.batches...)
}

// Entries flattens accepted batches in delivery order.
func (m *MockSink) Entries() []logging.LogEntry {
	var all []logging.LogEntry
	for _, b := range m.Batches() {
		all = append(all, b...)
	}
	return all
}

// CreateTempLogStructure lays out five pod log files and one non-log file
// under a temp dir and returns its path.
func CreateTempLogStructure(t *testing.T) string {
	t.Helper()

	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		require.NoError(t, os.MkdirAll(dir, 0755), "create directory %s", dir)
		require.NoError(t, os.WriteFile(fullPath, []byte(content), 0644), "write file %s", fullPath)
	}

	return tempDir
}

// AppendLines appends lines to path, each terminated by a newline.
func AppendLines(t *testing.T, path string, lines ...string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err, "open %s", path)
	defer f.Close()

	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err, "append to %s", path)
	}
}

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/timberlogs/internal/client"
	"github.com/Chichichkin/timberlogs/internal/logging"
	"github.com/Chichichkin/timberlogs/internal/testutils"
)

const defaultScanInterval = 10 * time.Millisecond

func makeTestConfig(root string) Config {
	return Config{
		LogRootPath:        root,
		ScanInterval:       defaultScanInterval,
		MinWorkers:         1,
		MaxWorkers:         3,
		FileQueueSize:      10,
		NodeName:           "node-1",
		ScaleUpThreshold:   0.5,
		ScaleDownThreshold: 0.25,
	}
}

func newTestClient(t *testing.T) (*client.Client, *testutils.MockSink) {
	t.Helper()

	sink := &testutils.MockSink{}
	cfg := logging.NewConfig("node-agent", "test",
		logging.WithBatchSize(100),
		logging.WithFlushInterval(0),
	)
	c, err := client.New(cfg, client.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(sink))
	t.Cleanup(func() { _ = c.Close() })
	return c, sink
}

// flushedEntries flushes c and returns what the sink has seen so far. It is
// called from Eventually conditions, so it must not stop the test.
func flushedEntries(t *testing.T, c *client.Client, sink *testutils.MockSink) []logging.LogEntry {
	assert.NoError(t, c.Flush())
	return sink.Entries()
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func TestService_ContextCancellation(t *testing.T) {
	c, _ := newTestClient(t)
	config := makeTestConfig(t.TempDir())
	config.MaxWorkers = 2

	ctx, cancel := context.WithCancel(context.Background())
	s := NewService(ctx, config, c)
	require.NoError(t, s.Start())

	cancel()

	select {
	case <-s.ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("service context not cancelled")
	}

	s.Stop()
	s.Stop()
}

func TestService_ForwardsExistingLines(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	c, sink := newTestClient(t)

	config := makeTestConfig(root)
	config.MinWorkers = 5
	config.MaxWorkers = 5
	config.ReadFromStart = true

	s := NewService(context.Background(), config, c)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(flushedEntries(t, c, sink)) == 8
	}, 5*time.Second, 50*time.Millisecond)

	var errorLine *logging.LogEntry
	for _, e := range sink.Entries() {
		assert.Equal(t, "node-agent", e.Source)
		assert.Contains(t, e.FlowName, "tail:")
		require.NotNil(t, e.StepIndex)
		if e.Message == "error log" {
			errorLine = &e
		}
	}

	require.NotNil(t, errorLine)
	assert.Equal(t, logging.LevelError, errorLine.Level)
	assert.Equal(t, "tail:app.log", errorLine.FlowName)
	assert.Equal(t, 1, *errorLine.StepIndex)
	assert.Equal(t, "default", errorLine.Data["namespace"])
	assert.Equal(t, "pod-1", errorLine.Data["pod"])
	assert.Equal(t, "container-2", errorLine.Data["container"])
	assert.Equal(t, "node-1", errorLine.Data["node"])

	assert.Equal(t, int64(5), s.Metrics().FilesDiscovered)
	assert.Eventually(t, func() bool { return s.Metrics().LinesForwarded == 8 }, time.Second, 10*time.Millisecond)
}

func TestService_TailsAppendedLines(t *testing.T) {
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "tailme.log")
	require.NoError(t, os.WriteFile(file, []byte("start\n"), 0644))

	c, sink := newTestClient(t)
	config := makeTestConfig(tempDir)
	config.MaxWorkers = 1

	s := NewService(context.Background(), config, c)
	require.NoError(t, s.Start())
	defer s.Stop()

	i := 0
	require.Eventually(t, func() bool {
		i++
		assert.NoError(t, appendLine(file, fmt.Sprintf("WARN appended %d", i)))
		for _, e := range flushedEntries(t, c, sink) {
			if e.Level == logging.LevelWarn {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)

	for _, e := range sink.Entries() {
		assert.NotEqual(t, "start", e.Message)
	}
}

func TestService_IdleReleaseResumesWithoutResending(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0644))

	c, sink := newTestClient(t)
	config := makeTestConfig(tempDir)
	config.MaxWorkers = 1
	config.ScanInterval = 50 * time.Millisecond
	config.FileIdleTimeout = 100 * time.Millisecond
	config.ReadFromStart = true

	s := NewService(context.Background(), config, c)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Metrics().FilesProcessed >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// several scans pass over the released, unchanged file
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, flushedEntries(t, c, sink), 2)
	assert.Equal(t, int64(1), s.Metrics().FilesDiscovered)

	testutils.AppendLines(t, path, "third")
	require.Eventually(t, func() bool {
		return len(flushedEntries(t, c, sink)) >= 3
	}, 5*time.Second, 20*time.Millisecond)

	entries := sink.Entries()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, entries[0].FlowID, e.FlowID)
		require.NotNil(t, e.StepIndex)
		assert.Equal(t, i, *e.StepIndex)
	}
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{entries[0].Message, entries[1].Message, entries[2].Message})
	assert.Equal(t, int64(1), s.Metrics().FilesDiscovered)
}

func TestService_IdleReleaseKeepsLinesWrittenMeanwhile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	c, sink := newTestClient(t)
	config := makeTestConfig(tempDir)
	config.MaxWorkers = 1
	config.ScanInterval = time.Hour
	config.FileIdleTimeout = 100 * time.Millisecond

	s := NewService(context.Background(), config, c)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Metrics().FilesProcessed >= 1
	}, 5*time.Second, 20*time.Millisecond)

	testutils.AppendLines(t, path, "written while released")
	s.scanFiles()

	require.Eventually(t, func() bool {
		return len(flushedEntries(t, c, sink)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "written while released", sink.Entries()[0].Message)
}

func TestService_WatchPicksUpNewFiles(t *testing.T) {
	root := t.TempDir()
	c, sink := newTestClient(t)

	config := makeTestConfig(root)
	config.ScanInterval = time.Hour
	config.ReadFromStart = true
	config.Watch = true

	s := NewService(context.Background(), config, c)
	require.NoError(t, s.Start())
	defer s.Stop()

	podDir := filepath.Join(root, "default_web_uid1", "nginx")
	require.NoError(t, os.MkdirAll(podDir, 0755))
	testutils.AppendLines(t, filepath.Join(podDir, "0.log"), `{"level":"debug","msg":"booted"}`)

	require.Eventually(t, func() bool {
		entries := flushedEntries(t, c, sink)
		return len(entries) == 1 && entries[0].Level == logging.LevelDebug
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "web", sink.Entries()[0].Data["pod"])
}

func TestAdjustWorkers_ScaleUpAndDown(t *testing.T) {
	c, _ := newTestClient(t)
	config := makeTestConfig(t.TempDir())

	s := NewService(context.Background(), config, c)
	defer s.Stop()

	s.scaleMutex.Lock()
	s.startWorker(0)
	s.currentWorkers = 1
	s.scaleMutex.Unlock()

	for i := 0; i < 8; i++ {
		s.metrics.IncQueuedFiles()
	}
	s.metrics.IncWorkersBusy()

	s.adjustWorkers()
	assert.Equal(t, 2, s.currentWorkers)
	assert.Equal(t, int64(2), s.Metrics().WorkersActive)
	assert.Equal(t, int64(1), s.Metrics().ScaleUpOperations)

	for i := 0; i < 8; i++ {
		s.metrics.DecQueuedFiles()
	}
	s.metrics.DecWorkersBusy()

	s.adjustWorkers()
	assert.Equal(t, 1, s.currentWorkers)
	assert.Equal(t, int64(1), s.Metrics().WorkersActive)
	assert.Equal(t, int64(1), s.Metrics().ScaleDownOperations)

	s.adjustWorkers()
	assert.Equal(t, 1, s.currentWorkers)
}

func TestAdjustWorkers_FixedPool(t *testing.T) {
	c, _ := newTestClient(t)
	config := makeTestConfig(t.TempDir())
	config.MinWorkers = 2
	config.MaxWorkers = 2

	s := NewService(context.Background(), config, c)
	s.currentWorkers = 2
	for i := 0; i < 10; i++ {
		s.metrics.IncQueuedFiles()
	}

	s.adjustWorkers()
	assert.Equal(t, 2, s.currentWorkers)
	assert.Equal(t, int64(0), s.Metrics().ScaleUpOperations)
}

func TestExtractLabels(t *testing.T) {
	c, _ := newTestClient(t)
	config := makeTestConfig("/var/log/pods")
	s := NewService(context.Background(), config, c)

	labels := s.extractLabels("/var/log/pods/default_pod-1_uid123/container-1/app.log")
	assert.Equal(t, "node-1", labels["node"])
	assert.Equal(t, "app.log", labels["file"])
	assert.Equal(t, "default", labels["namespace"])
	assert.Equal(t, "pod-1", labels["pod"])
	assert.Equal(t, "uid123", labels["pod_uid"])
	assert.Equal(t, "container-1", labels["container"])

	labels = s.extractLabels("/var/log/pods/a.log")
	assert.Equal(t, "node-1", labels["node"])
	assert.Equal(t, "a.log", labels["file"])
	assert.NotContains(t, labels, "namespace")
	assert.NotContains(t, labels, "pod")
	assert.NotContains(t, labels, "pod_uid")
	assert.NotContains(t, labels, "container")
}

func TestDiscoverLogFiles_UsesTempStructure(t *testing.T) {
	root := testutils.CreateTempLogStructure(t)
	c, _ := newTestClient(t)

	s := NewService(context.Background(), makeTestConfig(root), c)
	files, err := s.discoverLogFiles()
	assert.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestScanFiles_QueuesEachFileOnce(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a.log"), []byte("one\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.log"), []byte("two\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "c.txt"), []byte("ignore\n"), 0644))

	c, _ := newTestClient(t)
	s := NewService(context.Background(), makeTestConfig(tempDir), c)

	s.scanFiles()
	s.scanFiles()

	stamp := s.Metrics()
	assert.Equal(t, int64(2), stamp.QueuedFiles)
	assert.Equal(t, int64(2), stamp.FilesDiscovered)
	assert.Len(t, s.fileQueue, 2)

	<-s.fileQueue
	s.release(filepath.Join(tempDir, "a.log"), &fileState{})
	assert.True(t, s.enqueue(filepath.Join(tempDir, "a.log")))
}

func TestScanFiles_ReleasedFileRequeuedOnlyWhenChanged(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0644))

	c, _ := newTestClient(t)
	s := NewService(context.Background(), makeTestConfig(tempDir), c)

	require.True(t, s.enqueue(path))
	<-s.fileQueue
	s.metrics.DecQueuedFiles()
	s.release(path, &fileState{offset: 4, flow: c.Flow("tail:a.log")})

	s.scanFiles()
	s.scanFiles()
	assert.Len(t, s.fileQueue, 0)

	testutils.AppendLines(t, path, "two")
	s.scanFiles()
	assert.Len(t, s.fileQueue, 1)
	assert.Equal(t, int64(1), s.Metrics().FilesDiscovered)

	<-s.fileQueue
	s.release(path, s.resume(path))
	require.NoError(t, os.Remove(path))
	s.scanFiles()
	assert.Empty(t, s.released)
}

func TestScanFiles_FullQueueRetriesLater(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a.log"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "b.log"), nil, 0644))

	c, _ := newTestClient(t)
	config := makeTestConfig(tempDir)
	config.FileQueueSize = 1
	s := NewService(context.Background(), config, c)

	s.scanFiles()
	assert.Len(t, s.fileQueue, 1)

	<-s.fileQueue
	s.metrics.DecQueuedFiles()
	s.scanFiles()
	assert.Len(t, s.fileQueue, 1)
	assert.Equal(t, int64(2), s.Metrics().FilesDiscovered)
}

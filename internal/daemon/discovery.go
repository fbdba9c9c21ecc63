package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

func (s *Service) scanner() {
	defer s.subServicesWg.Done()

	s.scanFiles()

	ticker := newTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn().Err(err).Msg("error discovering log files")
		return
	}

	present := make(map[string]struct{}, len(files))
	for _, file := range files {
		if s.ctx.Err() != nil {
			return
		}
		present[file] = struct{}{}
		s.enqueue(file)
	}
	s.pruneReleased(present)
}

// enqueue queues a file that is neither queued nor being tailed. A released
// file is queued again only once its size differs from where its tail
// stopped. A full queue leaves the file unseen so the next scan retries it.
func (s *Service) enqueue(file string) bool {
	s.seenMutex.Lock()
	defer s.seenMutex.Unlock()

	if _, ok := s.seenFiles[file]; ok {
		return false
	}
	state, released := s.released[file]
	if released && !changedSince(file, state.offset) {
		return false
	}

	select {
	case s.fileQueue <- file:
		s.seenFiles[file] = struct{}{}
		s.metrics.IncQueuedFiles()
		if !released {
			s.metrics.IncFilesDiscovered()
		}
		return true
	default:
		s.logger.Warn().
			Int("queued", len(s.fileQueue)).
			Int("capacity", cap(s.fileQueue)).
			Str("file", file).
			Msg("file queue full, skipping")
		return false
	}
}

func changedSince(file string, offset int64) bool {
	info, err := os.Stat(file)
	return err == nil && info.Size() != offset
}

// resume returns the state left by an earlier tail of file, or a fresh one.
func (s *Service) resume(file string) *fileState {
	s.seenMutex.Lock()
	defer s.seenMutex.Unlock()

	if state, ok := s.released[file]; ok {
		return state
	}
	return &fileState{}
}

// release marks the tail of file as stopped. A file that was never opened
// is simply forgotten so the next scan starts it from scratch.
func (s *Service) release(file string, state *fileState) {
	s.seenMutex.Lock()
	defer s.seenMutex.Unlock()

	delete(s.seenFiles, file)
	if state.flow != nil {
		s.released[file] = state
	}
}

// pruneReleased drops the state of released files that no longer exist.
func (s *Service) pruneReleased(present map[string]struct{}) {
	s.seenMutex.Lock()
	defer s.seenMutex.Unlock()

	for file := range s.released {
		if _, ok := present[file]; !ok {
			delete(s.released, file)
		}
	}
}

func (s *Service) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug().Err(err).Str("path", path).Msg("error accessing path")
			return nil
		}

		if !info.IsDir() && isLogFile(path) {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = time.Second
	}
	return time.NewTicker(d)
}

func isLogFile(path string) bool {
	return strings.HasSuffix(path, ".log")
}

// startWatcher watches the root and all directories below it, queueing
// newly created log files without waiting for the next scan.
func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := s.watchDirRecursive(watcher, s.config.LogRootPath); err != nil {
		_ = watcher.Close()
		return err
	}

	s.subServicesWg.Add(1)
	go s.watch(watcher)
	return nil
}

func (s *Service) watchDirRecursive(watcher *fsnotify.Watcher, root string) error {
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() && path != root {
			_ = watcher.Add(path)
		}
		return nil
	})
}

func (s *Service) watch(watcher *fsnotify.Watcher) {
	defer s.subServicesWg.Done()
	defer watcher.Close()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			s.handleCreate(watcher, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("watcher error")

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) handleCreate(watcher *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.IsDir() {
		// files may land in the new directory before its watch is added
		_ = s.watchDirRecursive(watcher, path)
		_ = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err == nil && !fi.IsDir() && isLogFile(p) {
				s.enqueue(p)
			}
			return nil
		})
		return
	}

	if isLogFile(path) {
		s.enqueue(path)
	}
}

// extractLabels derives Kubernetes pod labels from a path laid out as
// <root>/<namespace>_<pod>_<uid>/<container>/<file>.
func (s *Service) extractLabels(filePath string) map[string]any {
	labels := map[string]any{
		"file": filepath.Base(filePath),
	}
	if s.config.NodeName != "" {
		labels["node"] = s.config.NodeName
	}

	rel, err := filepath.Rel(s.config.LogRootPath, filePath)
	if err != nil {
		return labels
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return labels
	}

	podParts := strings.Split(parts[0], "_")
	if len(podParts) >= 3 {
		labels["namespace"] = podParts[0]
		labels["pod"] = podParts[1]
		labels["pod_uid"] = podParts[2]
	}
	labels["container"] = parts[1]

	return labels
}

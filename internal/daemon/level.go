package daemon

import (
	"encoding/json"
	"strings"

	"github.com/Chichichkin/timberlogs/internal/logging"
)

// SniffLevel guesses the level of a raw log line. JSON lines with a
// level field use it; otherwise the first severity keyword found decides.
// Lines without either are info.
func SniffLevel(line string) logging.Level {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var probe struct {
			Level    string `json:"level"`
			Severity string `json:"severity"`
		}
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
			for _, candidate := range []string{probe.Level, probe.Severity} {
				if level, err := logging.ParseLevel(candidate); err == nil {
					return level
				}
			}
		}
	}

	words := strings.FieldsFunc(trimmed, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	for _, word := range words {
		switch strings.ToUpper(word) {
		case "ERROR", "ERR", "FATAL", "PANIC", "CRITICAL":
			return logging.LevelError
		case "WARN", "WARNING":
			return logging.LevelWarn
		case "DEBUG", "TRACE":
			return logging.LevelDebug
		}
	}
	return logging.LevelInfo
}

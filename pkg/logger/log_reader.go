package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogEntry is one parsed line of a category log
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Category  string                 `json:"category"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogReader reads the per-day category files written by MultiLogger
type LogReader struct {
	logsDir string
}

// NewLogReader creates a new log reader
func NewLogReader(logsDir string) *LogReader {
	return &LogReader{logsDir: logsDir}
}

// ValidCategory reports whether category names a MultiLogger category
func ValidCategory(category LogCategory) bool {
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}

// Categories lists the MultiLogger categories
func Categories() []LogCategory {
	return append([]LogCategory(nil), categories...)
}

// GetLogPath returns the path to a category log file for a specific date
func (lr *LogReader) GetLogPath(category LogCategory, date time.Time) string {
	return filepath.Join(lr.logsDir, fmt.Sprintf("%s-%s.log", category, date.Format("20060102")))
}

// ReadLogs returns the last limit entries (all when limit <= 0) of the
// category file for date. A missing file yields no entries.
func (lr *LogReader) ReadLogs(category LogCategory, date time.Time, limit int) ([]LogEntry, error) {
	return lr.scan(category, date, limit, func(LogEntry) bool { return true })
}

// SearchLogs is ReadLogs restricted to entries whose message, level or
// fields contain query, case-insensitively.
func (lr *LogReader) SearchLogs(category LogCategory, date time.Time, query string, limit int) ([]LogEntry, error) {
	query = strings.ToLower(query)
	return lr.scan(category, date, limit, func(e LogEntry) bool {
		if strings.Contains(strings.ToLower(e.Message), query) || strings.Contains(strings.ToLower(e.Level), query) {
			return true
		}
		for _, v := range e.Fields {
			if strings.Contains(strings.ToLower(fmt.Sprint(v)), query) {
				return true
			}
		}
		return false
	})
}

func (lr *LogReader) scan(category LogCategory, date time.Time, limit int, keep func(LogEntry) bool) ([]LogEntry, error) {
	file, err := os.Open(lr.GetLogPath(category, date))
	if os.IsNotExist(err) {
		return []LogEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := []LogEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry := parseLogLine(category, line)
		if !keep(entry) {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseLogLine decodes a MultiLogger JSON line; anything else becomes a
// plain message.
func parseLogLine(category LogCategory, line string) LogEntry {
	entry := LogEntry{Category: string(category), Level: "info", Message: line}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return entry
	}
	take := func(key string) string {
		v, ok := raw[key].(string)
		delete(raw, key)
		if !ok {
			return ""
		}
		return v
	}
	entry.Timestamp = take("ts")
	if level := take("level"); level != "" {
		entry.Level = level
	}
	entry.Message = take("msg")
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry
}

package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Per-task log files under the store's log directory.
const (
	outputLogSuffix = ".log"
	eventLogSuffix  = ".events.jsonl"
)

// AppendOutput appends one line of assistant text to <logDir>/<taskID>.log.
func (s *SQLiteStore) AppendOutput(taskID, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return s.appendLog(taskID, outputLogSuffix, []byte(line))
}

// AppendEvent appends one JSON record to <logDir>/<taskID>.events.jsonl.
func (s *SQLiteStore) AppendEvent(taskID string, record []byte) error {
	if !json.Valid(record) {
		return fmt.Errorf("event for task %s is not valid JSON", taskID)
	}
	buf := make([]byte, 0, len(record)+1)
	buf = append(buf, record...)
	buf = append(buf, '\n')
	return s.appendLog(taskID, eventLogSuffix, buf)
}

// ReadOutput returns the lines of a task's output log. A missing log is empty.
func (s *SQLiteStore) ReadOutput(taskID string) ([]string, error) {
	var lines []string
	err := s.readLog(taskID, outputLogSuffix, func(line []byte) {
		lines = append(lines, string(line))
	})
	return lines, err
}

// ReadEvents returns the records of a task's event log. A missing log is empty.
func (s *SQLiteStore) ReadEvents(taskID string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	err := s.readLog(taskID, eventLogSuffix, func(line []byte) {
		records = append(records, json.RawMessage(append([]byte(nil), line...)))
	})
	return records, err
}

func (s *SQLiteStore) logPath(taskID, suffix string) (string, error) {
	if taskID == "" || taskID != filepath.Base(taskID) || strings.HasPrefix(taskID, ".") {
		return "", fmt.Errorf("invalid task id for log file: %q", taskID)
	}
	return filepath.Join(s.logDir, taskID+suffix), nil
}

func (s *SQLiteStore) appendLog(taskID, suffix string, data []byte) error {
	if s.logDir == "" {
		return nil
	}
	path, err := s.logPath(taskID, suffix)
	if err != nil {
		return err
	}

	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open task log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write task log: %w", err)
	}
	return f.Close()
}

func (s *SQLiteStore) readLog(taskID, suffix string, emit func([]byte)) error {
	if s.logDir == "" {
		return nil
	}
	path, err := s.logPath(taskID, suffix)
	if err != nil {
		return err
	}

	s.locks.Lock(path)
	defer s.locks.Unlock(path)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open task log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		emit(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read task log: %w", err)
	}
	return nil
}

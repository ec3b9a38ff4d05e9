// Package audit persists completed trades as an append-only JSONL file per
// account.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/breakout-trader/pkg/types"
)

// Log is a durable record of one account's completed trades. Existing
// records are loaded on open so restarts keep the full history queryable.
type Log struct {
	mu        sync.Mutex
	logger    *zap.Logger
	path      string
	file      *os.File
	completed []types.CompletedTrade
}

// NewLog opens (or creates) the audit file for an account.
func NewLog(logger *zap.Logger, dir, account string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_trades.jsonl", account))
	l := &Log{
		logger: logger,
		path:   path,
	}
	if err := l.load(); err != nil {
		logger.Warn("failed to load existing audit records", zap.String("path", path), zap.Error(err))
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	l.file = file
	return l, nil
}

func (l *Log) load() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var trade types.CompletedTrade
		if err := json.Unmarshal(line, &trade); err != nil {
			l.logger.Warn("skipping malformed audit record", zap.Error(err))
			continue
		}
		l.completed = append(l.completed, trade)
	}
	return scanner.Err()
}

// Append writes one completed trade to disk and keeps it in memory.
func (l *Log) Append(trade types.CompletedTrade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	l.completed = append(l.completed, trade)
	return nil
}

// Completed returns a copy of all recorded trades.
func (l *Log) Completed() []types.CompletedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.CompletedTrade, len(l.completed))
	copy(out, l.completed)
	return out
}

// Count returns the number of recorded trades.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completed)
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

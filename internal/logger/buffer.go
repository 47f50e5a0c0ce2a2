package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Buffer is a logrus hook that keeps the most recent formatted entries in
// memory for the /logs endpoint
type Buffer struct {
	lines     []string
	max       int
	formatter logrus.Formatter
	mu        sync.Mutex
}

// NewBuffer creates a buffer holding up to max entries
func NewBuffer(max int) *Buffer {
	return &Buffer{
		lines:     make([]string, 0, max),
		max:       max,
		formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
	}
}

// Levels implements logrus.Hook
func (lb *Buffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (lb *Buffer) Fire(entry *logrus.Entry) error {
	b, err := lb.formatter.Format(entry)
	if err != nil {
		return err
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = append(lb.lines, string(b))
	if len(lb.lines) > lb.max {
		lb.lines = lb.lines[len(lb.lines)-lb.max:]
	}
	return nil
}

// Lines returns a copy of the buffered entries, oldest first
func (lb *Buffer) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	out := make([]string, len(lb.lines))
	copy(out, lb.lines)
	return out
}

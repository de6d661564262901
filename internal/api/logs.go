package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 供运维接口查看的日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogBuffer 保存最近若干条日志的环形缓冲，通过logrus钩子填充
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBuffer 创建日志缓冲
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 100
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

func (b *LogBuffer) add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Recent 返回最新的日志，新的在前；level为空时不过滤级别
func (b *LogBuffer) Recent(level string, limit int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.entries)
	}

	out := make([]LogEntry, 0, limit)
	for i := 1; i <= count && len(out) < limit; i++ {
		idx := (b.next - i + len(b.entries)) % len(b.entries)
		e := b.entries[idx]
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Hook 返回填充缓冲的logrus钩子
func (b *LogBuffer) Hook() logrus.Hook {
	return &bufferHook{buffer: b}
}

type bufferHook struct {
	buffer *LogBuffer
}

func (h *bufferHook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.buffer.add(LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})
	return nil
}

func (h *bufferHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kuitang/selfchanger-e2e/internal/obs"
)

// MockSender captures messages instead of sending them. With an outbox
// directory it also writes each message there as JSON.
type MockSender struct {
	mu        sync.Mutex
	Messages  []Message
	outboxDir string
	seq       uint64
}

// NewMockSender creates a capturing sender. An empty outboxDir keeps
// messages in memory only.
func NewMockSender(outboxDir string) *MockSender {
	if outboxDir != "" {
		if err := os.MkdirAll(outboxDir, 0o755); err != nil {
			obs.Pkg("notify").Warn("outbox_dir_failed", "dir", outboxDir, "error", err)
			outboxDir = ""
		}
	}
	return &MockSender{outboxDir: outboxDir}
}

func (m *MockSender) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	obs.From(ctx).Info("notification_captured", "to", msg.To, "subject", msg.Subject)

	if m.outboxDir == "" {
		return nil
	}
	m.seq++
	payload, err := json.Marshal(struct {
		Sequence       uint64   `json:"sequence"`
		To             []string `json:"to"`
		Subject        string   `json:"subject"`
		SentAtUnixNano int64    `json:"sent_at_unix_nano"`
	}{m.seq, msg.To, msg.Subject, time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	finalPath := filepath.Join(m.outboxDir, fmt.Sprintf("%020d.json", m.seq))
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write outbox temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename outbox file: %w", err)
	}
	return nil
}

// Count returns the number of captured messages.
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// Last returns the most recent message, or the zero value.
func (m *MockSender) Last() Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return Message{}
	}
	return m.Messages[len(m.Messages)-1]
}

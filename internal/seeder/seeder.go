package seeder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

const maxLineBytes = 1024 * 1024

// Sender queues a message for delivery.
type Sender interface {
	SendMessage(payload any, onSuccess, onFailure func()) bool
}

// Seeder queues messages read from a JSON-lines file and counts their outcomes.
type Seeder struct {
	sender Sender
	logger *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

func New(sender Sender, logger *slog.Logger) *Seeder {
	return &Seeder{sender: sender, logger: logger}
}

// Delivered returns the number of seeded messages acked so far.
func (s *Seeder) Delivered() int64 { return s.delivered.Load() }

// Failed returns the number of seeded messages abandoned so far.
func (s *Seeder) Failed() int64 { return s.failed.Load() }

// LoadAndSend queues one message per non-empty line of path. Lines starting
// with '#' are comments. Lines that are not valid messages are logged and
// skipped. It returns the number of messages queued.
func (s *Seeder) LoadAndSend(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	count := 0
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return count, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			s.logger.Warn("invalid seed line", "line", lineNo, "error", err)
			continue
		}

		if !s.sender.SendMessage(payload, s.onSuccess, s.onFailure) {
			s.logger.Warn("seed message rejected", "line", lineNo)
			continue
		}
		count++
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading seed file: %w", err)
	}

	s.logger.Info("seeding complete", "count", count)
	return count, nil
}

func (s *Seeder) onSuccess() { s.delivered.Add(1) }

func (s *Seeder) onFailure() { s.failed.Add(1) }

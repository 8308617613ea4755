package stream

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/theognis1002/appmsg-relay/internal/config"
)

const (
	AttemptStream    = "stream:appmessage"
	ReplyStream      = "stream:appmessage:replies"
	DeadLetterStream = "stream:appmessage:dlq"

	PeerGroup = "appmessage-peers"
)

// Names identifies the streams and consumer group shared by a relay and its peers.
type Names struct {
	Attempts    string
	Replies     string
	DeadLetters string
	Group       string
}

// DefaultNames returns the standard stream layout.
func DefaultNames() Names {
	return Names{
		Attempts:    AttemptStream,
		Replies:     ReplyStream,
		DeadLetters: DeadLetterStream,
		Group:       PeerGroup,
	}
}

// EnsureStreams creates the peer consumer group (and its underlying stream) idempotently.
func EnsureStreams(ctx context.Context, rdb *redis.Client, names Names, logger *slog.Logger) error {
	err := rdb.XGroupCreateMkStream(ctx, names.Attempts, names.Group, "0").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if !isBusyGroupError(err) {
			return err
		}
		logger.Debug("consumer group already exists", "stream", names.Attempts, "group", names.Group)
		return nil
	}
	logger.Info("created consumer group", "stream", names.Attempts, "group", names.Group)
	return nil
}

func isBusyGroupError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// NamesFromConfig returns the stream layout configured in c.
func NamesFromConfig(c config.StreamConfig) Names {
	return Names{
		Attempts:    c.Attempts,
		Replies:     c.Replies,
		DeadLetters: c.DeadLetters,
		Group:       c.Group,
	}
}

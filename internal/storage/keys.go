package storage

import (
	"fmt"
	"strings"
	"time"
)

const DeadLetterBucket = "appmsg-deadletters"

// DeadLetterKey returns the object key for a dead letter, partitioned by the
// UTC day it failed on.
func DeadLetterKey(id string, failedAt time.Time) string {
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("%s/%s.json", failedAt.UTC().Format("2006/01/02"), sanitize(id))
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", "=", "_", "\\", "_")
	return r.Replace(s)
}

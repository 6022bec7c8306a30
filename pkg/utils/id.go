package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenMessageID returns a fresh opaque message id.
func GenMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenThreadID returns a fresh opaque thread id.
func GenThreadID() string {
	return "th_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenStreamID returns a fresh stream correlation token. The millisecond
// prefix keeps ids roughly sortable for operators reading logs.
func GenStreamID() string {
	return fmt.Sprintf("stream-%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

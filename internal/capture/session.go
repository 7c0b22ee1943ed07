package capture

import (
	"time"

	"github.com/google/uuid"
)

// Session is one recording run from Start to Stop or a terminal error.
type Session struct {
	ID        string
	Mode      string
	Source    SourceMode
	StartedAt time.Time
	metrics   *Metrics
}

func newSession(mode string, source SourceMode) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Source:    source,
		StartedAt: time.Now(),
		metrics:   newMetrics(),
	}
}

package transport

import (
	"time"

	"github.com/google/uuid"
)

// ConnInfo describes the live connection.
type ConnInfo struct {
	ConnID      string
	Transport   string
	ConnectedAt time.Time
}

func newConnInfo(transport string) ConnInfo {
	return ConnInfo{
		ConnID:      uuid.NewString(),
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
}

package session

import (
	"time"

	"github.com/ent0n29/invoicedl/internal/state"
)

// Client is one connected tab.
type Client struct {
	ID             string          `json:"client_id"`
	Ref            state.ClientRef `json:"ref"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

package types

import "time"

// Client is the scheduler's in-memory record of one connected client.
type Client struct {
	ID        string
	WantsWhat map[string]struct{}
	CreatedAt time.Time
}

// NewClient returns a client record with an initialized want set.
func NewClient(id string) *Client {
	return &Client{
		ID:        id,
		WantsWhat: make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
}

// Package publisher defines the outbound publishing contract and its X
// (Twitter) implementation. The dispatcher is its only caller; a post gets
// exactly one Publish attempt ever.
package publisher

import (
	"context"
	"fmt"
)

// Client publishes a finalized post to the external platform.
type Client interface {
	// Publish uploads the attachments and creates the post, returning the
	// platform's publish id.
	Publish(ctx context.Context, text string, imagePaths []string) (string, error)
	// Verify checks the configured credentials against the live API.
	Verify(ctx context.Context) error
}

// APIError is a non-2xx platform response.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("publish API %d: %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("publish API %d: %s", e.Status, e.Title)
}

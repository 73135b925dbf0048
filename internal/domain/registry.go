// Package domain contains pure business types without external dependencies.
package domain

import "time"

// Repository is the authorization scope for push and pull.
type Repository struct {
	ID          int64
	OrgID       int64
	Name        string
	Description string
	Public      bool
	CreatedAt   time.Time
}

// UploadState is the lifecycle state of a blob upload session.
type UploadState string

const (
	UploadCreated   UploadState = "created"
	UploadReceiving UploadState = "receiving"
	UploadVerifying UploadState = "verifying"
	UploadCommitted UploadState = "committed"
	UploadAborted   UploadState = "aborted"
	UploadExpired   UploadState = "expired"
)

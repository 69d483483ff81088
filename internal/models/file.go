// Package models provides the request and response bodies of the HTTP API
package models

import (
	"time"
)

// File describes a stored file
type File struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	StorageType string    `json:"storageType"` // "local", "s3", "gdrive", "gcs"
	Destination string    `json:"destination,omitempty"`
}

// URLResponse carries a public or signed URL for a stored file
type URLResponse struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SignRequest asks for a token to be appended to URL. Expiry is an expiry
// expression such as "+1 hour" or "2026-01-02"; empty means one hour.
type SignRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Expiry string `json:"expiry,omitempty"`
}

// SignResponse is the signed URL and when its token stops being accepted
type SignResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeleteResult reports whether something was removed
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ProviderStatus reports whether a storage provider can be constructed
type ProviderStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Active    bool   `json:"active"`
}

// APIResponse is a generic API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Package shl implements the SMART Health Link manifest service: manifests
// holding sets of uploaded files, handed out against a bearer password, with
// an append-only access audit.
package shl

import (
	"context"
	"time"
)

// Manifest is one link. The bearer password gates uploads; access is open
// to anyone holding the link until it expires.
type Manifest struct {
	UUID      string    `json:"uuid"`
	VHL       bool      `json:"vhl"`
	Bearer    string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired reports whether the manifest is past its expiry at the given
// instant.
func (m *Manifest) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// File is one uploaded file. Content is stored base64-encoded as received;
// the file endpoint decodes on the way out.
type File struct {
	ID            string
	ManifestUUID  string
	ContentBase64 string
	ContentType   string
	CreatedAt     time.Time
}

// View is one audit row. Exactly one of ManifestUUID and FileID is set for
// manifest-level and file-level rows respectively.
type View struct {
	ManifestUUID string
	FileID       string
	Recipient    string
	IPAddress    string
}

// Store is the persistence surface the service runs on.
type Store interface {
	// Create inserts a new manifest.
	Create(ctx context.Context, m *Manifest) error
	// Manifest fetches a manifest by uuid, expired or not. A missing
	// manifest is a NotFound error.
	Manifest(ctx context.Context, uuid string) (*Manifest, error)
	// ReplaceFiles atomically swaps the manifest's file set: after return
	// either the prior set or the complete new set is on disk, never a
	// partial mix.
	ReplaceFiles(ctx context.Context, uuid string, files []File) error
	// Files lists the manifest's files in upload order.
	Files(ctx context.Context, uuid string) ([]File, error)
	// File fetches one file by id. A missing file is a NotFound error.
	File(ctx context.Context, id string) (*File, error)
	// RecordView appends an audit row.
	RecordView(ctx context.Context, v *View) error
	// DeleteExpired removes manifests expired at the given instant,
	// cascading to their files, and reports how many went.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

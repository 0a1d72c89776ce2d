package client

import "context"

// IdentityResolver turns a bearer token into the acting identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// BlobStore holds receipt files. Put returns the file_ref receipts cite.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
	Exists(ctx context.Context, fileRef string) (bool, error)
}

// NotificationSink delivers workflow events. Publishing is fire-and-forget:
// implementations log failures and never report them to the caller.
type NotificationSink interface {
	Publish(ctx context.Context, event NotificationEvent)
}

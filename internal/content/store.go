package content

import "context"

// Store is the catalogue a content server answers from. Lookups of unknown
// content return no entry for it rather than an error.
type Store interface {
	ListByType(ctx context.Context, t ContentType) ([]*ContentInfo, error)
	GetByIDs(ctx context.Context, ids []ContentID) ([]*ContentInfo, error)
	// GetByExternalIDs matches on type and unique id; a non-zero MD5 must match too.
	GetByExternalIDs(ctx context.Context, ids []ExternalID) ([]*ContentInfo, error)
	Upsert(ctx context.Context, ci *ContentInfo) error
}

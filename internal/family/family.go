// Package family implements the five job-family strategies the
// coordinator dispatches to. Each strategy owns its family's "due"
// policy, its enumeration or inline run, and its terminal bookkeeping;
// the actual data movement is delegated to the platform collaborators
// behind the interfaces below.
package family

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/coordinator"
	"github.com/thebtf/fenceline/pkg/models"
)

// Indexer drives one full indexing pass for an entity. Indexing is the
// one family that does not fan out: the pass is a single long-running
// call reporting chunk counts through opts.
type Indexer interface {
	Index(ctx context.Context, entity models.EntityRef, opts IndexOptions) (chunks int, err error)
}

// IndexOptions carries the progress and cancellation callbacks into an
// indexing pass.
type IndexOptions struct {
	// Progress reports chunks indexed since the last call. An error
	// return means mutual exclusion was lost; the pass must abort.
	Progress func(ctx context.Context, chunks int64) error
	// ShouldStop polls cooperative cancellation.
	ShouldStop func(ctx context.Context) bool
}

// DocumentSource is the connector-side view of an entity's documents.
type DocumentSource interface {
	// AllDocIDs lists every document id currently present at the source.
	AllDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error)
	// DocsWithAccess streams every document of the entity with its
	// resolved external access recorded in the item args.
	DocsWithAccess(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error)
	// Roster returns the source's full group membership mapping.
	Roster(ctx context.Context, entity models.EntityRef) ([]models.ExternalGroup, error)
}

// LocalIndex is the search-index-side view used for pruning and metadata
// sync.
type LocalIndex interface {
	// LocalDocIDs lists every document id held locally for the entity.
	LocalDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error)
	// DeleteDoc removes one document. Deleting an absent document is a
	// no-op; unit tasks rely on that for idempotent re-runs.
	DeleteDoc(ctx context.Context, entity models.EntityRef, docID string) error
	// StaleDocIDs lists documents whose index metadata (doc sets, ACL,
	// boost, hidden) is out of date.
	StaleDocIDs(ctx context.Context, entity models.EntityRef) ([]string, error)
	// PushDocMetadata rewrites one document's metadata in the index.
	// Last write wins per document.
	PushDocMetadata(ctx context.Context, entity models.EntityRef, docID string) error
}

// AclStore persists resolved permissions.
type AclStore interface {
	// UpsertDocAccess writes one document's external access set. Last
	// write wins per document.
	UpsertDocAccess(ctx context.Context, entity models.EntityRef, docID string, access map[string]string) error
	// ReplaceGroups swaps the entity's entire group mapping. Full
	// replace, never a merge.
	ReplaceGroups(ctx context.Context, entity models.EntityRef, roster []models.ExternalGroup) error
}

// Bookkeeper performs per-family terminal bookkeeping in the relational
// store (mark entity synced/pruned, commit accumulated deletions).
type Bookkeeper interface {
	MarkEntitySynced(ctx context.Context, family models.JobFamily, entity models.EntityRef, count int64) error
}

// Collaborators bundles the platform services the strategies delegate to.
type Collaborators struct {
	Indexer Indexer
	Source  DocumentSource
	Index   LocalIndex
	Acl     AclStore
	Books   Bookkeeper
}

// Registry builds the strategy table for the coordinator.
func Registry(c Collaborators, cfg *config.Config, log zerolog.Logger) map[models.JobFamily]coordinator.Strategy {
	if cfg == nil {
		cfg = config.Default()
	}
	return map[models.JobFamily]coordinator.Strategy{
		models.FamilyIndexing:       &indexing{c: c, cfg: cfg, log: log},
		models.FamilyPruning:        &pruning{c: c, cfg: cfg, log: log},
		models.FamilyPermissions:    &permissions{c: c, cfg: cfg, log: log},
		models.FamilyExternalGroups: &externalGroups{c: c, cfg: cfg, log: log},
		models.FamilyVespaMetadata:  &vespaMetadata{c: c, cfg: cfg, log: log},
	}
}

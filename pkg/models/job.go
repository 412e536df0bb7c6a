// Package models contains shared domain types for fenceline.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobFamily identifies one of the background sync job kinds.
type JobFamily string

const (
	FamilyIndexing       JobFamily = "indexing"
	FamilyPruning        JobFamily = "pruning"
	FamilyPermissions    JobFamily = "permissions"
	FamilyExternalGroups JobFamily = "external_groups"
	FamilyVespaMetadata  JobFamily = "vespa_metadata"
)

// AllFamilies lists every job family, in scheduling order.
var AllFamilies = []JobFamily{
	FamilyIndexing,
	FamilyPruning,
	FamilyPermissions,
	FamilyExternalGroups,
	FamilyVespaMetadata,
}

// IsValid reports whether f is a known job family.
func (f JobFamily) IsValid() bool {
	switch f {
	case FamilyIndexing, FamilyPruning, FamilyPermissions, FamilyExternalGroups, FamilyVespaMetadata:
		return true
	}
	return false
}

func (f JobFamily) String() string { return string(f) }

// SyncStatus is the lifecycle status of one sync attempt.
type SyncStatus string

const (
	SyncNotStarted SyncStatus = "not_started"
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
	SyncCancelled  SyncStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s SyncStatus) Terminal() bool {
	return s == SyncSuccess || s == SyncFailed || s == SyncCancelled
}

// EntityRef identifies the target of one sync job. SecondaryID is only set
// for families whose identity is a pair (e.g. vespa metadata sync of a
// document set within a connector).
type EntityRef struct {
	Tenant      string `json:"tenant"`
	EntityID    int64  `json:"entity_id"`
	SecondaryID int64  `json:"secondary_id,omitempty"`
}

// String renders the ref the way fence keys embed it.
func (e EntityRef) String() string {
	if e.SecondaryID != 0 {
		return fmt.Sprintf("%d/%d", e.EntityID, e.SecondaryID)
	}
	return fmt.Sprintf("%d", e.EntityID)
}

// ParseEntityRef parses the key form produced by String. Tenant is carried
// separately in key prefixes, so it is supplied by the caller. Parsing is
// strict: trailing text after the ids (e.g. a key suffix swept up by a
// scan) is an error.
func ParseEntityRef(tenant, s string) (EntityRef, error) {
	ref := EntityRef{Tenant: tenant}
	primary, secondary, found := strings.Cut(s, "/")

	id, err := strconv.ParseInt(primary, 10, 64)
	if err != nil {
		return EntityRef{}, fmt.Errorf("parse entity ref %q: %w", s, err)
	}
	ref.EntityID = id

	if found {
		sid, err := strconv.ParseInt(secondary, 10, 64)
		if err != nil {
			return EntityRef{}, fmt.Errorf("parse entity ref %q: %w", s, err)
		}
		ref.SecondaryID = sid
	}
	return ref, nil
}

// EntityListing is one entity from the platform's configuration tables,
// paired with the refresh period configured on its source. A zero
// SyncPeriod means the source has no override and the family default
// applies.
type EntityListing struct {
	Ref        EntityRef
	SyncPeriod time.Duration
}

// WorkItem is one unit of fanned-out work produced by enumeration.
type WorkItem struct {
	// DocID is the document the unit task operates on. Families that do
	// not fan out per document leave it empty.
	DocID string `json:"doc_id,omitempty"`
	// Args carries family-specific task arguments.
	Args map[string]string `json:"args,omitempty"`
}

// ExternalGroup is one group roster entry from a source's access-control
// system. Group sync replaces the whole mapping, never merges.
type ExternalGroup struct {
	GroupID    string   `json:"group_id"`
	UserEmails []string `json:"user_emails"`
}

// SyncHistory is what the scheduler knows about an entity's past runs when
// deciding whether it is due. All times may be zero.
type SyncHistory struct {
	LastSuccess      time.Time
	LastSuccessIndex time.Time // last successful indexing run, pruning fallback
	LastAttempt      time.Time
	EverSynced       bool
	// NewConfiguration is true when the entity's configuration has never
	// completed a run of this family.
	NewConfiguration bool
	// FutureConfigBuilding / PresentUpdateDisabled implement the indexing
	// model-swap suppression rule.
	FutureConfigBuilding  bool
	PresentUpdateDisabled bool
	// Period is the source's configured refresh period, carried over from
	// the entity listing. Zero means use the family default.
	Period time.Duration
}

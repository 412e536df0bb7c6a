// Package fence implements the fence/taskset primitive: the KV records
// that mark a background job as in flight, track its fanned-out unit
// tasks, and carry the signals the validator and monitor coordinate on.
package fence

import (
	"strings"

	"github.com/thebtf/fenceline/pkg/models"
)

// ActiveFencesKey is the global index of all active fence keys, across
// families and tenants.
const ActiveFencesKey = "active_fences"

// Key suffixes hung off the fence key.
const (
	suffixGeneratorComplete = "_generator_complete"
	suffixGeneratorProgress = "_generator_progress"
	suffixActive            = "_active"
	suffixLock              = "_lock"
	suffixFinalizeAttempts  = "_finalize_attempts"
)

const (
	fenceInfix    = "_fence_"
	tasksetInfix  = "_taskset_"
	stopInfix     = "_stopfence_"
	creationInfix = "_creation_lock"
)

// tenantPrefix renders the optional tenant namespace.
func tenantPrefix(tenant string) string {
	if tenant == "" {
		return ""
	}
	return tenant + ":"
}

// Key returns the fence key for (family, entity).
func Key(family models.JobFamily, entity models.EntityRef) string {
	return tenantPrefix(entity.Tenant) + string(family) + fenceInfix + entity.String()
}

// TasksetKey returns the unit-task set key for (family, entity).
func TasksetKey(family models.JobFamily, entity models.EntityRef) string {
	return tenantPrefix(entity.Tenant) + string(family) + tasksetInfix + entity.String()
}

// StopKey returns the stop-fence key for (family, entity).
func StopKey(family models.JobFamily, entity models.EntityRef) string {
	return tenantPrefix(entity.Tenant) + string(family) + stopInfix + entity.String()
}

// CreationLockKey returns the short-TTL lock key guarding try-create for
// one family within one tenant.
func CreationLockKey(family models.JobFamily, tenant string) string {
	return tenantPrefix(tenant) + string(family) + creationInfix
}

// ScanPrefix returns the keyspace-scan prefix covering one family's fence
// keys within one tenant. The scan also matches suffix keys (liveness,
// progress); ParseKey filters those out.
func ScanPrefix(family models.JobFamily, tenant string) string {
	return tenantPrefix(tenant) + string(family) + fenceInfix
}

// ParseKey splits a fence key back into its family and entity. Returns
// ok=false for anything that is not a bare fence key, including the
// _active/_lock/_generator_* suffix keys a keyspace scan sweeps up.
func ParseKey(key string) (models.JobFamily, models.EntityRef, bool) {
	tenant := ""
	rest := key
	if i := strings.Index(key, ":"); i >= 0 {
		tenant, rest = key[:i], key[i+1:]
	}

	i := strings.Index(rest, fenceInfix)
	if i < 0 {
		return "", models.EntityRef{}, false
	}
	family := models.JobFamily(rest[:i])
	if !family.IsValid() {
		return "", models.EntityRef{}, false
	}

	// Suffix keys fail entity parsing here, which is the filter.
	entity, err := models.ParseEntityRef(tenant, rest[i+len(fenceInfix):])
	if err != nil {
		return "", models.EntityRef{}, false
	}
	return family, entity, true
}

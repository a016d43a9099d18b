package postprocess

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// handleOwnerAssignment resolves candidate owners from ownership rules and
// CODEOWNERS, auto-assigns the group when configured, and reconciles the
// stored owner rows against the computed set.
func (p *Pipeline) handleOwnerAssignment(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	event := job.Event
	groupID := job.State.ID

	ownersExist, err := p.cachedExists(ctx, fmt.Sprintf("owner_exists:%d", groupID),
		func() (bool, error) { return p.deps.GroupOwners.Exists(ctx, groupID) })
	if err != nil {
		return err
	}
	assigneesExist, err := p.cachedExists(ctx, fmt.Sprintf("assignee_exists:%d", groupID),
		func() (bool, error) { return p.deps.Assignees.Exists(ctx, groupID) })
	if err != nil {
		return err
	}
	if ownersExist && assigneesExist {
		return nil
	}

	var assignment domain.AutoAssignment
	if !p.deps.Policy.AutoAssignDisabled(event.ProjectID) {
		assignment, err = p.deps.Ownership.GetAutoAssignOwners(ctx, event.ProjectID, event.Data)
		if err != nil {
			return fmt.Errorf("op=handleOwnerAssignment: resolve: %w", err)
		}
	}

	if assignment.AutoAssign && len(assignment.Owners) > 0 && !assigneesExist {
		integration := integrationOwnership
		if assignment.AssignedByCodeowners {
			integration = integrationCodeowners
		}
		created, err := p.deps.Assignees.AssignCreateOnly(ctx, groupID, assignment.Owners[0], integration, assignment.Rule)
		if err != nil {
			return fmt.Errorf("op=handleOwnerAssignment: assign: %w", err)
		}
		if created {
			_ = p.deps.Cache.Set(ctx, fmt.Sprintf("assignee_exists:%d", groupID), encodeBool(true), ownerExistsTTL)
		}
	}

	if len(assignment.Owners) > 0 && !ownersExist {
		if err := p.reconcileGroupOwners(ctx, groupID, assignment.Owners); err != nil {
			return err
		}
		_ = p.deps.Cache.Set(ctx, fmt.Sprintf("owner_exists:%d", groupID), encodeBool(true), ownerExistsTTL)
	}
	return nil
}

// cachedExists caches a boolean existence probe: hits cache for an hour,
// misses only for a minute so newly created rows surface quickly.
func (p *Pipeline) cachedExists(ctx context.Context, key string, probe func() (bool, error)) (bool, error) {
	if b, ok, err := p.deps.Cache.Get(ctx, key); err == nil && ok {
		return cachedBool(b), nil
	}
	exists, err := probe()
	if err != nil {
		return false, fmt.Errorf("op=cachedExists: key=%s: %w", key, err)
	}
	ttl := ownerAbsentTTL
	if exists {
		ttl = ownerExistsTTL
	}
	_ = p.deps.Cache.Set(ctx, key, encodeBool(exists), ttl)
	return exists, nil
}

// reconcileGroupOwners diffs the stored owner rows against the computed set
// under a short per-group lock: rows no longer derivable are deleted, missing
// ones are bulk-created, rows matching by (kind, owner, source) are kept. If
// the lock is contended another worker is already reconciling this group.
func (p *Pipeline) reconcileGroupOwners(ctx context.Context, groupID int64, owners []domain.Owner) error {
	lock := p.deps.Locks.Get(fmt.Sprintf("%s:%d", groupOwnerLockPrefix, groupID), lockTTL)
	release, err := lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnableToAcquireLock) {
			return nil
		}
		return fmt.Errorf("op=reconcileGroupOwners: %w", err)
	}
	defer release()

	existing, err := p.deps.GroupOwners.ListBySources(ctx, groupID,
		[]domain.OwnerSource{domain.OwnerSourceOwnershipRule, domain.OwnerSourceCodeowners})
	if err != nil {
		return fmt.Errorf("op=reconcileGroupOwners: list: %w", err)
	}

	target := make(map[domain.OwnerIdentity]domain.Owner, len(owners))
	for _, o := range owners {
		target[o.Identity()] = o
	}

	kept := make(map[domain.OwnerIdentity]bool, len(existing))
	for _, row := range existing {
		identity := domain.OwnerIdentity{Kind: row.Kind, ID: row.OwnerID, Source: row.Source}
		if _, ok := target[identity]; ok && !kept[identity] {
			kept[identity] = true
			continue
		}
		if err := p.deps.GroupOwners.DeleteByID(ctx, row.ID); err != nil {
			return fmt.Errorf("op=reconcileGroupOwners: delete: %w", err)
		}
	}

	var missing []domain.GroupOwner
	for identity := range target {
		if !kept[identity] {
			missing = append(missing, domain.GroupOwner{
				GroupID: groupID,
				Kind:    identity.Kind,
				OwnerID: identity.ID,
				Source:  identity.Source,
			})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Source != missing[j].Source {
			return missing[i].Source < missing[j].Source
		}
		if missing[i].Kind != missing[j].Kind {
			return missing[i].Kind < missing[j].Kind
		}
		return missing[i].OwnerID < missing[j].OwnerID
	})
	if err := p.deps.GroupOwners.BulkCreate(ctx, missing); err != nil {
		return fmt.Errorf("op=reconcileGroupOwners: create: %w", err)
	}
	return nil
}

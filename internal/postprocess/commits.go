package postprocess

import (
	"context"
	"errors"
	"fmt"

	"github.com/fairyhunter13/eventpipe/internal/domain"
	"github.com/fairyhunter13/eventpipe/internal/policy"
)

// processCommits dispatches commit attribution for the group, at most once
// per debounce window. Orgs without any commits are skipped outright; the
// answer is cached because almost every event would otherwise re-ask it.
func (p *Pipeline) processCommits(ctx context.Context, job *Job) error {
	if job.IsReprocessed {
		return nil
	}
	event := job.Event
	groupID := job.State.ID

	lock := p.deps.Locks.Get(fmt.Sprintf("%s:%d", commitLockPrefix, groupID), lockTTL)
	release, err := lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnableToAcquireLock) {
			return nil
		}
		return fmt.Errorf("op=processCommits: %w", err)
	}
	defer release()

	orgKey := fmt.Sprintf("org-has-commit:%d", event.Organization.ID)
	hasCommits := false
	if b, ok, err := p.deps.Cache.Get(ctx, orgKey); err == nil && ok {
		hasCommits = cachedBool(b)
	} else {
		hasCommits, err = p.deps.Commits.OrgHasCommits(ctx, event.Organization.ID)
		if err != nil {
			return fmt.Errorf("op=processCommits: org commits: %w", err)
		}
		_ = p.deps.Cache.Set(ctx, orgKey, encodeBool(hasCommits), orgHasCommitTTL)
	}
	if !hasCommits {
		return nil
	}

	// Debounce: one attribution dispatch per group per window.
	dispatchKey := fmt.Sprintf("group-commit-dispatched:%d", groupID)
	if _, ok, err := p.deps.Cache.Get(ctx, dispatchKey); err == nil && ok {
		return nil
	}
	_ = p.deps.Cache.Set(ctx, dispatchKey, encodeBool(true), commitDispatchedTTL)

	task := domain.CommitDispatchTask{
		EventID:       event.EventID,
		EventPlatform: event.Platform(),
		EventFrames:   framePaths(event.Data),
		GroupID:       groupID,
		ProjectID:     event.ProjectID,
		SDKName:       sdkName(event.Data),
	}
	if p.deps.Features.Has(policy.FeatureCommitContext, event.Organization.ID) {
		return p.deps.Tasks.EnqueueProcessCommitContext(ctx, task)
	}
	return p.deps.Tasks.EnqueueProcessSuspectCommits(ctx, task)
}

// framePaths pulls the stacktrace file paths attribution matches against
// commit diffs.
func framePaths(data map[string]any) []string {
	stacktrace, ok := data["stacktrace"].(map[string]any)
	if !ok {
		return nil
	}
	frames, ok := stacktrace["frames"].([]any)
	if !ok {
		return nil
	}
	var paths []string
	for _, f := range frames {
		frame, ok := f.(map[string]any)
		if !ok {
			continue
		}
		if path, ok := frame["abs_path"].(string); ok && path != "" {
			paths = append(paths, path)
			continue
		}
		if path, ok := frame["filename"].(string); ok && path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

func sdkName(data map[string]any) string {
	sdk, ok := data["sdk"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := sdk["name"].(string)
	return name
}

package postprocess

import (
	"context"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// Noop collaborators for subsystems a deployment does not run. The pipeline
// requires every dependency wired; these make the absence explicit.

type NoopRuleProcessor struct{}

func (NoopRuleProcessor) Apply(context.Context, *domain.Event, domain.GroupState, bool) ([]domain.RuleCallback, error) {
	return nil, nil
}

type NoopPluginRegistry struct{}

func (NoopPluginRegistry) ForProject(context.Context, int64) ([]domain.Plugin, error) {
	return nil, nil
}

type NoopSimilarityIndex struct{}

func (NoopSimilarityIndex) Record(context.Context, int64, []*domain.Event) error { return nil }

type NoopOwnershipResolver struct{}

func (NoopOwnershipResolver) GetAutoAssignOwners(context.Context, int64, map[string]any) (domain.AutoAssignment, error) {
	return domain.AutoAssignment{}, nil
}

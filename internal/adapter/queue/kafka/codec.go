// Package kafka implements the event stream: the wire codec shared by the
// producer and the forwarders, the producer itself, the commit-log-paced
// synchronized consumer, and the batching harness the forwarders run on.
package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// Operations carried on the stream besides insert. Each protocol version
// names the set it does not handle; those messages are rejected rather than
// silently dropped so a rolled-back consumer fails loudly on new traffic.
var unsupportedOperations = map[int]map[string]struct{}{
	domain.ProtocolVersion1: setOf(
		"delete", "delete_groups", "merge", "unmerge",
	),
	domain.ProtocolVersion2: setOf(
		"start_delete_groups", "end_delete_groups",
		"start_merge", "end_merge",
		"start_unmerge", "end_unmerge",
		"start_delete_tag", "end_delete_tag",
		"exclude_groups", "tombstone_events", "replace_group",
	),
}

func setOf(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

type bodyEventData struct {
	EventID     string  `json:"event_id"`
	ProjectID   int64   `json:"project_id"`
	GroupID     *int64  `json:"group_id"`
	PrimaryHash *string `json:"primary_hash"`
}

type bodyTaskState struct {
	SkipConsume           bool            `json:"skip_consume"`
	IsNew                 *bool           `json:"is_new"`
	IsRegression          *bool           `json:"is_regression"`
	IsNewGroupEnvironment *bool           `json:"is_new_group_environment"`
	GroupStates           json.RawMessage `json:"group_states"`
}

// DecodeMessage decodes a message body of the form
// [version, operation, event_data, task_state] into the kwargs for the
// post-processing task. A nil, nil return means the message is valid but
// carries no work (skip_consume, or an operation this consumer ignores).
func DecodeMessage(value []byte) (*domain.TaskKwargs, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(value, &parts); err != nil {
		return nil, fmt.Errorf("op=DecodeMessage: %w: not a json array", domain.ErrInvalidPayload)
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("op=DecodeMessage: %w: expected at least [version, operation]", domain.ErrInvalidPayload)
	}

	var version int
	if err := json.Unmarshal(parts[0], &version); err != nil {
		return nil, fmt.Errorf("op=DecodeMessage: %w: version is not an integer", domain.ErrInvalidVersion)
	}
	unsupported, ok := unsupportedOperations[version]
	if !ok {
		return nil, fmt.Errorf("op=DecodeMessage: %w: version %d", domain.ErrInvalidVersion, version)
	}

	var operation string
	if err := json.Unmarshal(parts[1], &operation); err != nil {
		return nil, fmt.Errorf("op=DecodeMessage: %w: operation is not a string", domain.ErrInvalidPayload)
	}

	if operation == domain.OperationInsert {
		if len(parts) < 4 {
			return nil, fmt.Errorf("op=DecodeMessage: %w: insert requires event data and task state", domain.ErrInvalidPayload)
		}
		return decodeInsertBody(parts[2], parts[3])
	}
	if _, skip := unsupported[operation]; skip {
		return nil, nil
	}
	return nil, fmt.Errorf("op=DecodeMessage: %w: %q (version %d)", domain.ErrUnexpectedOperation, operation, version)
}

func decodeInsertBody(eventData, taskState json.RawMessage) (*domain.TaskKwargs, error) {
	var ed bodyEventData
	if err := json.Unmarshal(eventData, &ed); err != nil {
		return nil, fmt.Errorf("op=decodeInsertBody: %w: bad event data: %v", domain.ErrInvalidPayload, err)
	}
	var ts bodyTaskState
	if err := json.Unmarshal(taskState, &ts); err != nil {
		return nil, fmt.Errorf("op=decodeInsertBody: %w: bad task state: %v", domain.ErrInvalidPayload, err)
	}
	if ed.EventID == "" || ed.ProjectID == 0 {
		return nil, fmt.Errorf("op=decodeInsertBody: %w: missing event_id or project_id", domain.ErrInvalidPayload)
	}
	if ts.SkipConsume {
		return nil, nil
	}
	return &domain.TaskKwargs{
		EventID:               ed.EventID,
		ProjectID:             ed.ProjectID,
		GroupID:               ed.GroupID,
		PrimaryHash:           ed.PrimaryHash,
		IsNew:                 ts.IsNew,
		IsRegression:          ts.IsRegression,
		IsNewGroupEnvironment: ts.IsNewGroupEnvironment,
		GroupStates:           decodeGroupStates(ts.GroupStates),
	}, nil
}

// decodeGroupStates tolerates malformed group_states: the field is an
// enrichment, not a prerequisite, so bad data is logged and dropped rather
// than failing the whole message.
func decodeGroupStates(raw json.RawMessage) domain.GroupStates {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var states domain.GroupStates
	if err := json.Unmarshal(raw, &states); err != nil {
		slog.Error("could not decode group_states, dropping field", slog.Any("error", err))
		return nil
	}
	return states
}

// DecodeMessageFromHeaders decodes the same task kwargs from message headers,
// skipping body deserialization entirely. Any structural problem maps to
// ErrInvalidPayload so callers can fall back to the body codec.
func DecodeMessageFromHeaders(headers []kgo.RecordHeader) (*domain.TaskKwargs, error) {
	h := make(map[string][]byte, len(headers))
	for _, hdr := range headers {
		h[hdr.Key] = hdr.Value
	}

	rawVersion, ok := h["version"]
	if !ok {
		return nil, fmt.Errorf("op=DecodeMessageFromHeaders: %w: missing version header", domain.ErrInvalidPayload)
	}
	version, err := strconv.Atoi(string(rawVersion))
	if err != nil {
		return nil, fmt.Errorf("op=DecodeMessageFromHeaders: %w: version is not an integer", domain.ErrInvalidVersion)
	}
	unsupported, ok := unsupportedOperations[version]
	if !ok {
		return nil, fmt.Errorf("op=DecodeMessageFromHeaders: %w: version %d", domain.ErrInvalidVersion, version)
	}

	operation := string(h["operation"])
	if operation == domain.OperationInsert {
		return decodeInsertHeaders(h)
	}
	if _, skip := unsupported[operation]; skip {
		return nil, nil
	}
	return nil, fmt.Errorf("op=DecodeMessageFromHeaders: %w: %q (version %d)", domain.ErrUnexpectedOperation, operation, version)
}

func decodeInsertHeaders(h map[string][]byte) (*domain.TaskKwargs, error) {
	eventID, ok := h["event_id"]
	if !ok || len(eventID) == 0 {
		return nil, fmt.Errorf("op=decodeInsertHeaders: %w: missing event_id header", domain.ErrInvalidPayload)
	}
	rawProject, ok := h["project_id"]
	if !ok {
		return nil, fmt.Errorf("op=decodeInsertHeaders: %w: missing project_id header", domain.ErrInvalidPayload)
	}
	projectID, err := strconv.ParseInt(string(rawProject), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=decodeInsertHeaders: %w: bad project_id header: %v", domain.ErrInvalidPayload, err)
	}

	skipConsume, err := requiredBoolHeader(h, "skip_consume")
	if err != nil {
		return nil, err
	}
	isNew, err := requiredBoolHeader(h, "is_new")
	if err != nil {
		return nil, err
	}
	isRegression, err := requiredBoolHeader(h, "is_regression")
	if err != nil {
		return nil, err
	}
	isNewGroupEnvironment, err := requiredBoolHeader(h, "is_new_group_environment")
	if err != nil {
		return nil, err
	}
	if skipConsume {
		return nil, nil
	}

	kwargs := &domain.TaskKwargs{
		EventID:               string(eventID),
		ProjectID:             projectID,
		IsNew:                 &isNew,
		IsRegression:          &isRegression,
		IsNewGroupEnvironment: &isNewGroupEnvironment,
	}
	if raw, ok := h["group_id"]; ok && len(raw) > 0 {
		groupID, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("op=decodeInsertHeaders: %w: bad group_id header: %v", domain.ErrInvalidPayload, err)
		}
		kwargs.GroupID = &groupID
	}
	if raw, ok := h["primary_hash"]; ok && len(raw) > 0 {
		hash := string(raw)
		kwargs.PrimaryHash = &hash
	}
	if raw, ok := h["group_states"]; ok {
		kwargs.GroupStates = decodeGroupStates(raw)
	}
	return kwargs, nil
}

func requiredBoolHeader(h map[string][]byte, key string) (bool, error) {
	raw, ok := h[key]
	if !ok {
		return false, fmt.Errorf("op=requiredBoolHeader: %w: missing %s header", domain.ErrInvalidPayload, key)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return false, fmt.Errorf("op=requiredBoolHeader: %w: %s is not 0 or 1", domain.ErrInvalidPayload, key)
	}
	return n != 0, nil
}

// EncodeBool renders a boolean for header transport. Nulls flatten to "0";
// the body codec is the only channel that preserves them.
func EncodeBool(b *bool) string {
	if b != nil && *b {
		return "1"
	}
	return "0"
}

package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/eventpipe/internal/domain"
)

// CommitLogRecord is one committed-offset announcement on the commit-log
// topic. The storage consumer publishes one per commit; the synchronized
// consumer's pacing state is built entirely from these.
type CommitLogRecord struct {
	Group     string `json:"group"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// EncodeCommitLogRecord serializes a commit-log announcement.
func EncodeCommitLogRecord(r CommitLogRecord) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("op=EncodeCommitLogRecord: %w", err)
	}
	return b, nil
}

// DecodeCommitLogRecord parses a commit-log announcement. Malformed records
// map to ErrInvalidPayload; the consumer logs and skips them rather than
// stalling the whole partition.
func DecodeCommitLogRecord(value []byte) (CommitLogRecord, error) {
	var r CommitLogRecord
	if err := json.Unmarshal(value, &r); err != nil {
		return CommitLogRecord{}, fmt.Errorf("op=DecodeCommitLogRecord: %w: %v", domain.ErrInvalidPayload, err)
	}
	if r.Group == "" || r.Topic == "" || r.Offset < 0 {
		return CommitLogRecord{}, fmt.Errorf("op=DecodeCommitLogRecord: %w: incomplete record", domain.ErrInvalidPayload)
	}
	return r, nil
}

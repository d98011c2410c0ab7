package doc

import (
	"encoding/json"

	"github.com/roach88/docsync/internal/revision"
)

// Fields is the JSON-like body of a document.
// Values are string, float64 (or any Go integer), bool, nil, []any or
// map[string]any, recursively.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case Fields:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return val
	}
}

// Document is one revision of a stored document.
type Document struct {
	ID      string            `json:"_id"`
	Rev     revision.Revision `json:"_rev"`
	Fields  Fields            `json:"fields"`
	Deleted bool              `json:"_deleted,omitempty"`
}

// Operation is the kind of mutation recorded in a ChangeEntry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Origin records where a mutation came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeEntry is one immutable record of the change feed.
//
// Seq is assigned by the store and is strictly increasing for the lifetime
// of a database; it is never reused, even after the entry is pruned.
type ChangeEntry struct {
	Seq       int64             `json:"seq"`
	DocID     string            `json:"id"`
	Rev       revision.Revision `json:"rev"`
	ParentRev revision.Revision `json:"parent_rev,omitempty"`
	Op        Operation         `json:"op"`
	Origin    Origin            `json:"origin"`

	// Source is the replication endpoint a remote-origin change arrived
	// from. Empty for local changes.
	Source string `json:"source,omitempty"`
}

// Conflict is a retained losing revision.
type Conflict struct {
	DocID     string            `json:"id"`
	WinnerRev revision.Revision `json:"winner_rev"`
	LoserRev  revision.Revision `json:"loser_rev"`
	Loser     Document          `json:"loser"`
	Origin    Origin            `json:"origin"`
	Resolved  bool              `json:"resolved"`
}

// Checkpoint is the persisted replication progress for one endpoint.
type Checkpoint struct {
	Endpoint        string `json:"endpoint"`
	LastPushedSeq   int64  `json:"last_pushed_seq"`
	LastPulledToken string `json:"last_pulled_token"`
}

// DecodeFields parses a JSON object into Fields.
// Numbers decode as float64, matching encoding/json.
func DecodeFields(b []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

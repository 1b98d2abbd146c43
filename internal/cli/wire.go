package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/taskpilot/internal/engine"
	"github.com/roach88/taskpilot/internal/field"
)

// mutationInput is the NDJSON wire form of an incoming entity mutation,
// one object per line on stdin.
type mutationInput struct {
	ID            string                    `json:"id,omitempty"`
	Tenant        string                    `json:"tenant"`
	Model         string                    `json:"model"`
	EntityID      string                    `json:"entity_id"`
	ChangedFields map[string]map[string]any `json:"changed_fields"`
	StatusChange  *struct {
		Old string `json:"old"`
		New string `json:"new"`
	} `json:"status_change,omitempty"`
	Snapshot   map[string]any `json:"snapshot"`
	OccurredAt string         `json:"occurred_at,omitempty"`
}

// decodeMutation parses one NDJSON line into an engine mutation.
func decodeMutation(line []byte) (engine.Mutation, error) {
	var in mutationInput
	if err := json.Unmarshal(line, &in); err != nil {
		return engine.Mutation{}, fmt.Errorf("parse mutation: %w", err)
	}
	if in.Tenant == "" || in.Model == "" || in.EntityID == "" {
		return engine.Mutation{}, fmt.Errorf("mutation requires tenant, model, and entity_id")
	}

	snapshot, err := field.ObjectFromAny(in.Snapshot)
	if err != nil {
		return engine.Mutation{}, fmt.Errorf("snapshot: %w", err)
	}

	changed := make(map[string]engine.FieldChange, len(in.ChangedFields))
	for name, pair := range in.ChangedFields {
		oldVal, err := field.FromAny(pair["old"])
		if err != nil {
			return engine.Mutation{}, fmt.Errorf("changed_fields[%q].old: %w", name, err)
		}
		newVal, err := field.FromAny(pair["new"])
		if err != nil {
			return engine.Mutation{}, fmt.Errorf("changed_fields[%q].new: %w", name, err)
		}
		changed[name] = engine.FieldChange{Old: oldVal, New: newVal}
	}

	m := engine.Mutation{
		ID:            in.ID,
		TenantID:      in.Tenant,
		Model:         in.Model,
		EntityID:      in.EntityID,
		ChangedFields: changed,
		Snapshot:      snapshot,
	}
	if in.StatusChange != nil {
		m.StatusChange = &engine.StatusChange{Old: in.StatusChange.Old, New: in.StatusChange.New}
	}
	if in.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, in.OccurredAt)
		if err != nil {
			return engine.Mutation{}, fmt.Errorf("occurred_at: %w", err)
		}
		m.OccurredAt = t.UTC()
	}
	return m, nil
}

// effectOutput is the NDJSON wire form of an engine effect emitted on
// stdout by the run and mutate commands.
type effectOutput struct {
	Kind        string      `json:"kind"`
	Seq         int64       `json:"seq"`
	RootID      string      `json:"root_id"`
	Depth       int         `json:"depth,omitempty"`
	RuleID      string      `json:"rule_id,omitempty"`
	LinkID      string      `json:"link_id,omitempty"`
	TaskID      string      `json:"task_id,omitempty"`
	InstanceKey string      `json:"instance_key,omitempty"`
	TaskStatus  string      `json:"task_status,omitempty"`
	DueAt       string      `json:"due_at,omitempty"`
	Model       string      `json:"model,omitempty"`
	EntityID    string      `json:"entity_id,omitempty"`
	FieldName   string      `json:"field_name,omitempty"`
	FieldValue  field.Value `json:"field_value,omitempty"`
}

func encodeEffect(eff engine.Effect) effectOutput {
	out := effectOutput{
		Kind:       string(eff.Kind),
		Seq:        eff.Seq,
		RootID:     eff.RootID,
		Depth:      eff.Depth,
		RuleID:     eff.RuleID,
		LinkID:     eff.LinkID,
		Model:      eff.Model,
		EntityID:   eff.EntityID,
		FieldName:  eff.FieldName,
		FieldValue: eff.FieldValue,
	}
	if eff.Task != nil {
		out.TaskID = eff.Task.ID
		out.InstanceKey = eff.Task.InstanceKey
		out.TaskStatus = string(eff.Task.Status)
		out.Model = eff.Task.RelatedType
		out.EntityID = eff.Task.RelatedID
		if eff.Task.DueAt != nil {
			out.DueAt = eff.Task.DueAt.UTC().Format(time.RFC3339)
		}
	}
	if eff.DueAt != nil {
		out.DueAt = eff.DueAt.UTC().Format(time.RFC3339)
	}
	return out
}

package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

func init() {
	// Shapes produced by JSON decoding and by the parallel steps.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// EncodeValue serializes an arbitrary Go value using encoding/gob. The
// value is encoded as an interface so it decodes back into its concrete
// type; custom types must be registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// executionRecord is the storage form of an api.Execution shared by the
// SQL and Redis backends.
type executionRecord struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Status       string
	CurrentStep  int
	StartAt      time.Time
	EndAt        time.Time
	Input        []byte
	Result       []byte
	Error        string
	Suspension   []byte
	UserContext  []byte
}

type suspensionRecord struct {
	Reason        string
	StepID        string
	SuspendedAt   time.Time
	NextStepIndex int
	LastData      []byte
	Payload       []byte
	// Path flattens Checkpoint.Inner, outermost point first.
	Path []pointRecord
}

// pointRecord is the storage form of one api.ResumePoint. Values are
// gob-encoded individually, like the rest of the record.
type pointRecord struct {
	Index int
	Input []byte
	Done  map[int][]byte
}

func encodePath(p *api.ResumePoint) ([]pointRecord, error) {
	var path []pointRecord
	for ; p != nil; p = p.Inner {
		pr := pointRecord{Index: p.Index}
		var err error
		if pr.Input, err = EncodeValue(p.Input); err != nil {
			return nil, fmt.Errorf("resume point input: %w", err)
		}
		if len(p.Done) > 0 {
			pr.Done = make(map[int][]byte, len(p.Done))
			for i, v := range p.Done {
				if pr.Done[i], err = EncodeValue(v); err != nil {
					return nil, fmt.Errorf("branch %d output: %w", i, err)
				}
			}
		}
		path = append(path, pr)
	}
	return path, nil
}

func decodePath(path []pointRecord) (*api.ResumePoint, error) {
	var inner *api.ResumePoint
	for i := len(path) - 1; i >= 0; i-- {
		pr := path[i]
		p := &api.ResumePoint{Index: pr.Index, Inner: inner}
		var err error
		if p.Input, err = DecodeValue(pr.Input); err != nil {
			return nil, fmt.Errorf("resume point input: %w", err)
		}
		if pr.Done != nil {
			p.Done = make(map[int]any, len(pr.Done))
			for b, raw := range pr.Done {
				if p.Done[b], err = DecodeValue(raw); err != nil {
					return nil, fmt.Errorf("branch %d output: %w", b, err)
				}
			}
		}
		inner = p
	}
	return inner, nil
}

func toRecord(exec *api.Execution) (executionRecord, error) {
	rec := executionRecord{
		ID:           exec.ID,
		WorkflowID:   exec.WorkflowID,
		WorkflowName: exec.WorkflowName,
		Status:       string(exec.Status),
		CurrentStep:  exec.CurrentStep,
		StartAt:      exec.StartAt,
		EndAt:        exec.EndAt,
	}

	var err error
	if rec.Input, err = EncodeValue(exec.Input); err != nil {
		return rec, fmt.Errorf("input: %w", err)
	}
	if rec.Result, err = EncodeValue(exec.Result); err != nil {
		return rec, fmt.Errorf("result: %w", err)
	}
	if len(exec.UserContext) > 0 {
		if rec.UserContext, err = EncodeValue(exec.UserContext); err != nil {
			return rec, fmt.Errorf("user context: %w", err)
		}
	}
	if exec.Err != nil {
		rec.Error = exec.Err.Error()
	}
	if s := exec.Suspension; s != nil {
		sr := suspensionRecord{
			Reason:        s.Reason,
			StepID:        s.StepID,
			SuspendedAt:   s.SuspendedAt,
			NextStepIndex: s.Checkpoint.NextStepIndex,
		}
		if sr.LastData, err = EncodeValue(s.Checkpoint.LastData); err != nil {
			return rec, fmt.Errorf("checkpoint data: %w", err)
		}
		if sr.Payload, err = EncodeValue(s.Checkpoint.Payload); err != nil {
			return rec, fmt.Errorf("suspend payload: %w", err)
		}
		if sr.Path, err = encodePath(s.Checkpoint.Inner); err != nil {
			return rec, err
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&sr); err != nil {
			return rec, fmt.Errorf("suspension: %w", err)
		}
		rec.Suspension = buf.Bytes()
	}
	return rec, nil
}

func fromRecord(rec executionRecord) (*api.Execution, error) {
	exec := &api.Execution{
		ID:           rec.ID,
		WorkflowID:   rec.WorkflowID,
		WorkflowName: rec.WorkflowName,
		Status:       api.Status(rec.Status),
		CurrentStep:  rec.CurrentStep,
		StartAt:      rec.StartAt,
		EndAt:        rec.EndAt,
	}

	var err error
	if exec.Input, err = DecodeValue(rec.Input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if exec.Result, err = DecodeValue(rec.Result); err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	uc, err := DecodeValue(rec.UserContext)
	if err != nil {
		return nil, fmt.Errorf("user context: %w", err)
	}
	if m, ok := uc.(map[string]any); ok {
		exec.UserContext = m
	}
	if rec.Error != "" {
		exec.Err = errors.New(rec.Error)
	}
	if len(rec.Suspension) > 0 {
		var sr suspensionRecord
		if err := gob.NewDecoder(bytes.NewReader(rec.Suspension)).Decode(&sr); err != nil {
			return nil, fmt.Errorf("suspension: %w", err)
		}
		s := &api.Suspension{
			Reason:      sr.Reason,
			StepID:      sr.StepID,
			SuspendedAt: sr.SuspendedAt,
			Checkpoint:  api.Checkpoint{NextStepIndex: sr.NextStepIndex},
		}
		if s.Checkpoint.LastData, err = DecodeValue(sr.LastData); err != nil {
			return nil, fmt.Errorf("checkpoint data: %w", err)
		}
		if s.Checkpoint.Payload, err = DecodeValue(sr.Payload); err != nil {
			return nil, fmt.Errorf("suspend payload: %w", err)
		}
		if s.Checkpoint.Inner, err = decodePath(sr.Path); err != nil {
			return nil, err
		}
		exec.Suspension = s
	}
	return exec, nil
}

// eventRecord wraps an event for gob. gob drops zero values even behind
// pointers, so a met=false condition is carried in explicit fields.
type eventRecord struct {
	Event        api.Event
	HasCondition bool
	ConditionMet bool
}

// encodeEvent serializes a whole event with gob.
func encodeEvent(ev api.Event) ([]byte, error) {
	rec := eventRecord{Event: ev}
	if ev.ConditionMet != nil {
		rec.HasCondition = true
		rec.ConditionMet = *ev.ConditionMet
		rec.Event.ConditionMet = nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.Type, err)
	}
	return buf.Bytes(), nil
}

func decodeEvent(data []byte) (api.Event, error) {
	var rec eventRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return api.Event{}, err
	}
	ev := rec.Event
	if rec.HasCondition {
		met := rec.ConditionMet
		ev.ConditionMet = &met
	}
	return ev, nil
}

// SPDX-License-Identifier: MIT

// Package engine is the task runtime every engine process embeds: it
// leases messages from its descriptor's queue, stages inputs from object
// storage, invokes the stage work function and reports the outcome on
// the event stream. Work functions are black boxes behind the Work
// contract; the virtual implementations in this package cover every
// stage with synthetic results so the whole platform runs end to end
// without a model runtime.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dalstonhq/dalston/internal/model"
)

// Task is one attempt handed to a work function. Engines never read job
// rows; everything they may consult travels in the queue message.
type Task struct {
	ID         string
	JobID      string
	TenantID   string
	Stage      model.Stage
	Attempt    int
	Parameters map[string]string
	Deadline   time.Time
}

// Param returns a task parameter, or def when unset or empty.
func (t Task) Param(key, def string) string {
	if v, ok := t.Parameters[key]; ok && v != "" {
		return v
	}
	return def
}

// Input is one staged input artifact, fetched from object storage before
// the work function runs.
type Input struct {
	Type model.ArtifactType
	URI  string
	Data []byte
}

// Inputs indexes staged inputs by artifact type.
type Inputs map[model.ArtifactType]Input

// Bytes returns the payload of the input with the given type.
func (in Inputs) Bytes(t model.ArtifactType) ([]byte, bool) {
	i, ok := in[t]
	return i.Data, ok
}

// JSON decodes the input with the given type into dst.
func (in Inputs) JSON(t model.ArtifactType, dst any) error {
	i, ok := in[t]
	if !ok {
		return fmt.Errorf("no %s input", t)
	}
	if err := json.Unmarshal(i.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

// First returns the first present input among types, in preference order.
func (in Inputs) First(types ...model.ArtifactType) (Input, bool) {
	for _, t := range types {
		if i, ok := in[t]; ok {
			return i, true
		}
	}
	return Input{}, false
}

// Artifact is one output produced by a work function. The runner stores
// Data under an attempt-scoped key, so a retried attempt can never
// collide with or be mistaken for an earlier one.
type Artifact struct {
	Type        model.ArtifactType
	Name        string
	Sensitivity model.Sensitivity
	Store       bool
	TTLSeconds  int
	Data        []byte
}

// Outputs is a successful work result: artifacts to persist plus the
// result manifest forwarded on task.completed.
type Outputs struct {
	Artifacts []Artifact
	Stats     model.TaskResultStats
}

// Work is the engine-specific stage function. Implementations must honor
// ctx between long subphases and derive identical results for identical
// inputs and parameters regardless of the attempt number.
type Work interface {
	Execute(ctx context.Context, task Task, in Inputs) (Outputs, error)
}

// WorkFunc adapts a plain function to the Work contract.
type WorkFunc func(ctx context.Context, task Task, in Inputs) (Outputs, error)

// Execute implements Work.
func (f WorkFunc) Execute(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	return f(ctx, task, in)
}

// Warmer is implemented by work functions that load a model before they
// can accept work. The runner registers the instance only after warm-up
// succeeds, keeping readiness distinct from liveness.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Fault is the typed failure a work function raises. Kind drives the
// scheduler's retry decision; Partial artifacts are persisted for
// debugging and purge with the job.
type Fault struct {
	Kind    model.ErrorKind
	Message string
	Partial []Artifact
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Faultf builds a Fault without partial outputs.
func Faultf(kind model.ErrorKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// SPDX-License-Identifier: MIT

// Package dag turns job parameters into the task graph the scheduler
// executes. Build is a pure function of the job row, the engine catalog
// and the set of live engines; it performs no I/O and is rerun by the
// gateway at submit time for synchronous validation.
package dag

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/model"
)

// ValidationError rejects a job whose parameters cannot form a valid
// graph. It maps to a 422 at the gateway, like catalog errors.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid job parameters: " + e.Reason }

// TaskSpec is one node of the plan.
type TaskSpec struct {
	Stage          model.Stage
	EngineID       string
	DependsOn      []model.Stage
	InputTypes     []model.ArtifactType
	TimeoutSeconds int
}

// Plan is the execution graph for one job, tasks in topological order.
// Unavailable lists selected engines that are catalogued but have no
// live instance; the scheduler applies the wait-or-fail policy to them.
type Plan struct {
	Tasks       []TaskSpec
	Unavailable []string
}

// Stage returns the spec for a stage label.
func (p *Plan) Stage(stage model.Stage) (TaskSpec, bool) {
	for _, t := range p.Tasks {
		if t.Stage == stage {
			return t, true
		}
	}
	return TaskSpec{}, false
}

// Materialize converts the plan into pending task rows for bulk insert.
// Attempt starts at 1; the first enqueue claims against it.
func (p *Plan) Materialize(job *model.Job) []*model.Task {
	now := time.Now().UTC()
	tasks := make([]*model.Task, 0, len(p.Tasks))
	for _, spec := range p.Tasks {
		tasks = append(tasks, &model.Task{
			ID:             uuid.NewString(),
			JobID:          job.ID,
			Stage:          spec.Stage,
			EngineID:       spec.EngineID,
			Status:         model.TaskPending,
			Attempt:        1,
			DependsOn:      append([]model.Stage(nil), spec.DependsOn...),
			TimeoutSeconds: spec.TimeoutSeconds,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return tasks
}

type builder struct {
	job         *model.Job
	cat         *catalog.Catalog
	alive       map[string]bool
	plan        Plan
	unavailable map[string]bool
}

// Build constructs the plan. alive is the registry's live-engine set; a
// nil map means availability is unknown and every selection counts as
// available (used for submit-time validation, where only catalog
// coverage is checked).
func Build(job *model.Job, cat *catalog.Catalog, alive map[string]bool) (*Plan, error) {
	b := &builder{job: job, cat: cat, alive: alive, unavailable: make(map[string]bool)}
	params := job.Params

	prepare, err := b.pick(model.StagePrepare, catalog.Requirements{Language: params.Language})
	if err != nil {
		return nil, err
	}
	b.add(model.StagePrepare, prepare, nil)

	// Transcript branch: one transcribe task, or a per-channel fan-out
	// bound to a single selected engine.
	transcribeReq := catalog.Requirements{Language: params.Language, ModelAlias: params.Model}
	transcribe, err := b.pick(model.StageTranscribe, transcribeReq)
	if err != nil {
		return nil, err
	}
	var transcriptTail []model.Stage
	if params.SpeakerDetection == model.SpeakerPerChannel {
		n := job.Media.Channels
		if n < 2 {
			return nil, &ValidationError{Reason: fmt.Sprintf(
				"speaker_detection=per_channel needs a multi-channel source, got %d channel(s)", n)}
		}
		if n > model.MaxPerChannelChannels {
			return nil, &ValidationError{Reason: fmt.Sprintf(
				"per_channel supports at most %d channels, got %d", model.MaxPerChannelChannels, n)}
		}
		for i := 0; i < n; i++ {
			stage := model.TranscribeChannelStage(i)
			b.add(stage, transcribe, []model.Stage{model.StagePrepare})
			transcriptTail = append(transcriptTail, stage)
		}
	} else {
		b.add(model.StageTranscribe, transcribe, []model.Stage{model.StagePrepare})
		transcriptTail = []model.Stage{model.StageTranscribe}
	}

	// Word timestamps from an engine that cannot produce them natively
	// need an alignment pass over the raw transcript(s).
	if params.Granularity == model.GranularityWord && !transcribe.Capabilities.WordTimestamps {
		align, err := b.pick(model.StageAlign, catalog.Requirements{
			Language:       params.Language,
			WordTimestamps: true,
		})
		if err != nil {
			return nil, err
		}
		b.add(model.StageAlign, align, transcriptTail)
		transcriptTail = []model.Stage{model.StageAlign}
	}

	if params.SpeakerDetection == model.SpeakerDiarize {
		diarize, err := b.pick(model.StageDiarize, catalog.Requirements{Language: params.Language})
		if err != nil {
			return nil, err
		}
		b.add(model.StageDiarize, diarize, []model.Stage{model.StagePrepare})
	}

	if params.PIIDetection {
		pii, err := b.pick(model.StagePIIDetect, catalog.Requirements{Language: params.Language})
		if err != nil {
			return nil, err
		}
		b.add(model.StagePIIDetect, pii, transcriptTail)
		if params.RedactPIIAudio {
			redact, err := b.pick(model.StageAudioRedact, catalog.Requirements{Language: params.Language})
			if err != nil {
				return nil, err
			}
			b.add(model.StageAudioRedact, redact, []model.Stage{model.StagePIIDetect})
		}
	}

	mergeDeps := append([]model.Stage(nil), transcriptTail...)
	if params.SpeakerDetection == model.SpeakerDiarize {
		mergeDeps = append(mergeDeps, model.StageDiarize)
	}
	if params.PIIDetection {
		mergeDeps = append(mergeDeps, model.StagePIIDetect)
		if params.RedactPIIAudio {
			mergeDeps = append(mergeDeps, model.StageAudioRedact)
		}
	}
	merge, err := b.pick(model.StageMerge, catalog.Requirements{Language: params.Language})
	if err != nil {
		return nil, err
	}
	b.add(model.StageMerge, merge, mergeDeps)

	if err := b.plan.validate(); err != nil {
		return nil, err
	}
	return &b.plan, nil
}

// pick selects the engine for a stage family: the best catalog candidate
// with a live instance, else the best candidate overall (recorded as
// unavailable).
func (b *builder) pick(family model.Stage, req catalog.Requirements) (model.EngineDescriptor, error) {
	candidates, err := b.cat.Candidates(family, req)
	if err != nil {
		return model.EngineDescriptor{}, err
	}
	if b.alive == nil {
		return candidates[0], nil
	}
	for _, e := range candidates {
		if b.alive[e.ID] {
			return e, nil
		}
	}
	chosen := candidates[0]
	if !b.unavailable[chosen.ID] {
		b.unavailable[chosen.ID] = true
		b.plan.Unavailable = append(b.plan.Unavailable, chosen.ID)
	}
	return chosen, nil
}

func (b *builder) add(stage model.Stage, eng model.EngineDescriptor, deps []model.Stage) {
	b.plan.Tasks = append(b.plan.Tasks, TaskSpec{
		Stage:          stage,
		EngineID:       eng.ID,
		DependsOn:      deps,
		InputTypes:     InputTypesFor(stage, deps),
		TimeoutSeconds: int(model.TaskTimeout(b.job.Media.DurationSeconds, eng.EffectiveRTF()) / time.Second),
	})
}

// InputTypesFor derives the artifact types a stage consumes from its
// label and dependencies. The scheduler uses it on persisted task rows
// to resolve concrete input URIs at readiness time, without rebuilding
// the plan.
func InputTypesFor(stage model.Stage, dependsOn []model.Stage) []model.ArtifactType {
	dependsOnAlign := false
	for _, d := range dependsOn {
		if d == model.StageAlign {
			dependsOnAlign = true
		}
	}
	transcriptType := model.ArtifactTranscriptRaw
	if dependsOnAlign {
		transcriptType = model.ArtifactTranscriptAligned
	}

	switch stage.Family() {
	case model.StagePrepare:
		return []model.ArtifactType{model.ArtifactAudioSource}
	case model.StageTranscribe:
		if i, ok := channelIndex(stage); ok {
			return []model.ArtifactType{model.ChannelArtifactType(i)}
		}
		return []model.ArtifactType{model.ArtifactAudioMono16k}
	case model.StageAlign:
		// Behind a fan-out, align re-times the channel transcripts; there
		// is no mono rendition to lean on.
		if chans := channelTranscripts(dependsOn); chans != nil {
			return chans
		}
		return []model.ArtifactType{model.ArtifactAudioMono16k, model.ArtifactTranscriptRaw}
	case model.StageDiarize:
		return []model.ArtifactType{model.ArtifactAudioMono16k}
	case model.StagePIIDetect:
		if chans := channelTranscripts(dependsOn); chans != nil {
			return chans
		}
		return []model.ArtifactType{transcriptType}
	case model.StageAudioRedact:
		return []model.ArtifactType{model.ArtifactPIIEntities, model.ArtifactAudioSource}
	case model.StageMerge:
		var out []model.ArtifactType
		for _, d := range dependsOn {
			switch {
			case d == model.StageDiarize:
				out = append(out, model.ArtifactDiarization)
			case d == model.StagePIIDetect:
				out = append(out, model.ArtifactTranscriptRedacted)
			default:
				if i, ok := channelIndex(d); ok {
					out = append(out, model.ChannelTranscriptType(i))
				}
			}
		}
		if !hasChannelDep(dependsOn) {
			out = append([]model.ArtifactType{transcriptType}, out...)
		}
		return out
	}
	return nil
}

func hasChannelDep(dependsOn []model.Stage) bool {
	for _, d := range dependsOn {
		if _, ok := channelIndex(d); ok {
			return true
		}
	}
	return false
}

// channelTranscripts maps channel dependencies onto their transcript
// types. Nil when the stage does not sit behind a fan-out.
func channelTranscripts(dependsOn []model.Stage) []model.ArtifactType {
	var out []model.ArtifactType
	for _, d := range dependsOn {
		if i, ok := channelIndex(d); ok {
			out = append(out, model.ChannelTranscriptType(i))
		}
	}
	return out
}

func channelIndex(stage model.Stage) (int, bool) {
	return stage.ChannelIndex()
}

// validate checks that every dependency exists and the graph is acyclic.
// Violations are construction bugs, surfaced before anything persists.
func (p *Plan) validate() error {
	index := make(map[model.Stage]int, len(p.Tasks))
	for i, t := range p.Tasks {
		if _, dup := index[t.Stage]; dup {
			return model.Invariantf("plan has duplicate stage %s", t.Stage)
		}
		index[t.Stage] = i
	}

	indegree := make([]int, len(p.Tasks))
	edges := make(map[int][]int)
	for i, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return model.Invariantf("stage %s depends on unknown stage %s", t.Stage, dep)
			}
			edges[j] = append(edges[j], i)
			indegree[i]++
		}
	}

	queue := make([]int, 0, len(p.Tasks))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Tasks) {
		return model.Invariantf("plan contains a dependency cycle")
	}
	return nil
}

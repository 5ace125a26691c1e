// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dalstonhq/dalston/internal/model"
)

// Virtual returns the synthetic work function for a descriptor's stage.
// Virtual engines derive deterministic, well-formed artifacts from their
// inputs without a model runtime: identical inputs produce identical
// outputs on every attempt. They back local deployments and the
// end-to-end tests.
func Virtual(stage model.Stage) (Work, error) {
	switch stage.Family() {
	case model.StagePrepare:
		return WorkFunc(virtualPrepare), nil
	case model.StageTranscribe:
		return WorkFunc(virtualTranscribe), nil
	case model.StageAlign:
		return WorkFunc(virtualAlign), nil
	case model.StageDiarize:
		return WorkFunc(virtualDiarize), nil
	case model.StagePIIDetect:
		return WorkFunc(virtualPIIDetect), nil
	case model.StageAudioRedact:
		return WorkFunc(virtualAudioRedact), nil
	case model.StageMerge:
		return WorkFunc(virtualMerge), nil
	}
	return nil, fmt.Errorf("engine: no virtual implementation for stage %q", stage)
}

// The corpus is positional, not seeded, so a retried attempt reproduces
// the transcript byte for byte. Two sentences embed PII spans; they only
// show up once the audio is long enough to reach them, which is how the
// virtual pipeline exercises both redaction paths.
var corpus = [...]string{
	"thanks for calling dalston support",
	"i would like to check on my order",
	"sure my phone number is 555-0134",
	"let me pull up the account details",
	"the delivery window moved to thursday",
	"you can email the invoice to ada@example.com",
	"that covers everything i needed today",
	"have a great rest of your week",
}

const segmentSeconds = 4.0

// virtualPrepare probes the source container and renders normalized
// 16 kHz mono audio, split per channel when the plan asked for it.
func virtualPrepare(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	src, ok := in[model.ArtifactAudioSource]
	if !ok {
		return Outputs{}, Faultf(model.ErrKindValidation, "no source audio input")
	}
	media := ProbeMedia(src.Data)
	if media.DurationSeconds <= 0 {
		return Outputs{}, Faultf(model.ErrKindEnginePermanent, "source audio is empty")
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}

	var arts []Artifact
	if task.Param("split_channels", "false") == "true" {
		for i := 0; i < media.Channels; i++ {
			if err := ctx.Err(); err != nil {
				return Outputs{}, err
			}
			arts = append(arts, Artifact{
				Type:        model.ChannelArtifactType(i),
				Name:        fmt.Sprintf("channel_%d.wav", i),
				Sensitivity: model.SensitivityRawPII,
				Data:        SynthWAV(media.DurationSeconds, 1),
			})
		}
	} else {
		arts = append(arts, Artifact{
			Type:        model.ArtifactAudioMono16k,
			Name:        "mono_16k.wav",
			Sensitivity: model.SensitivityRawPII,
			Data:        SynthWAV(media.DurationSeconds, 1),
		})
	}
	return Outputs{
		Artifacts: arts,
		Stats: model.TaskResultStats{
			DurationSeconds: media.DurationSeconds,
			Channels:        media.Channels,
			SampleRate:      media.SampleRate,
			Format:          media.Format,
			SizeBytes:       media.SizeBytes,
		},
	}, nil
}

// virtualTranscribe emits the deterministic transcript for its audio
// input. Per-channel attempts read their channel rendition and label
// every segment with the channel speaker.
func virtualTranscribe(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	wantType := model.ArtifactAudioMono16k
	outType := model.ArtifactTranscriptRaw
	name := "transcript.json"
	channel := -1
	if i, ok := task.Stage.ChannelIndex(); ok {
		wantType = model.ChannelArtifactType(i)
		outType = model.ChannelTranscriptType(i)
		name = fmt.Sprintf("transcript_ch%d.json", i)
		channel = i
	}
	audio, ok := in[wantType]
	if !ok {
		return Outputs{}, Faultf(model.ErrKindValidation, "no %s input", wantType)
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}

	lang := task.Param("language", "en")
	if lang == "auto" {
		lang = "en" // the virtual detector always hears english
	}
	duration := ProbeMedia(audio.Data).DurationSeconds
	doc := synthTranscript(duration, lang, channel, task.Param("granularity", "") == string(model.GranularityWord))
	data, err := json.Marshal(doc)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode transcript: %w", err)
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        outType,
			Name:        name,
			Sensitivity: model.SensitivityRawPII,
			Data:        data,
		}},
		Stats: model.TaskResultStats{
			DurationSeconds: duration,
			Language:        lang,
			SegmentCount:    len(doc.Segments),
			WordCount:       countWords(doc),
			SizeBytes:       int64(len(data)),
		},
	}, nil
}

// virtualAlign fills word-level timestamps the transcribe engine did not
// produce. Behind a fan-out it joins the channel transcripts first.
func virtualAlign(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	doc, _, err := transcriptBase(in)
	if err != nil {
		return Outputs{}, err
	}
	if audio, found := in[model.ArtifactAudioMono16k]; found {
		// The audio is authoritative for total duration.
		if d := ProbeMedia(audio.Data).DurationSeconds; d > 0 {
			doc.Duration = d
		}
	}
	for i := range doc.Segments {
		if err := ctx.Err(); err != nil {
			return Outputs{}, err
		}
		seg := &doc.Segments[i]
		seg.Words = spreadWords(seg.Text, seg.Start, seg.End)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode transcript: %w", err)
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        model.ArtifactTranscriptAligned,
			Name:        "transcript_aligned.json",
			Sensitivity: model.SensitivityRawPII,
			Data:        data,
		}},
		Stats: model.TaskResultStats{
			DurationSeconds: doc.Duration,
			Language:        doc.Language,
			SegmentCount:    len(doc.Segments),
			WordCount:       countWords(doc),
			SizeBytes:       int64(len(data)),
		},
	}, nil
}

// virtualDiarize alternates two synthetic speakers on a fixed cadence.
func virtualDiarize(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	audio, ok := in[model.ArtifactAudioMono16k]
	if !ok {
		return Outputs{}, Faultf(model.ErrKindValidation, "no %s input", model.ArtifactAudioMono16k)
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	const turnSeconds = 6.0
	duration := ProbeMedia(audio.Data).DurationSeconds
	doc := DiarizationDoc{}
	for i := 0; ; i++ {
		start := float64(i) * turnSeconds
		if start >= duration {
			break
		}
		doc.Turns = append(doc.Turns, SpeakerTurn{
			Speaker: fmt.Sprintf("S%d", i%2+1),
			Start:   round2(start),
			End:     round2(math.Min(start+turnSeconds, duration)),
		})
	}
	doc.Speakers = len(doc.Turns)
	if doc.Speakers > 2 {
		doc.Speakers = 2
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode diarization: %w", err)
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        model.ArtifactDiarization,
			Name:        "speakers.json",
			Sensitivity: model.SensitivityMetadata,
			Data:        data,
		}},
		Stats: model.TaskResultStats{
			DurationSeconds: duration,
			SpeakerCount:    doc.Speakers,
		},
	}, nil
}

var (
	phonePattern = regexp.MustCompile(`\+?\d[\d-]{6,}\d`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// virtualPIIDetect scans segment text for phone numbers and email
// addresses, emitting the entity inventory and the redacted transcript.
func virtualPIIDetect(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	doc, _, err := transcriptBase(in)
	if err != nil {
		return Outputs{}, err
	}
	entities := EntityDoc{Entities: []Entity{}}
	for si := range doc.Segments {
		if err := ctx.Err(); err != nil {
			return Outputs{}, err
		}
		seg := &doc.Segments[si]
		for _, kind := range []struct {
			label string
			re    *regexp.Regexp
		}{{"phone_number", phonePattern}, {"email_address", emailPattern}} {
			for _, m := range kind.re.FindAllString(seg.Text, -1) {
				start, end := entitySpan(seg, m)
				entities.Entities = append(entities.Entities, Entity{
					Type:      kind.label,
					Text:      m,
					SegmentID: seg.ID,
					Start:     start,
					End:       end,
				})
			}
		}
		redacted := emailPattern.ReplaceAllString(phonePattern.ReplaceAllString(seg.Text, "[redacted]"), "[redacted]")
		if redacted != seg.Text {
			seg.Text = redacted
			if len(seg.Words) > 0 {
				seg.Words = spreadWords(seg.Text, seg.Start, seg.End)
			}
		}
	}

	entityData, err := json.Marshal(entities)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode entities: %w", err)
	}
	redactedData, err := json.Marshal(doc)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode transcript: %w", err)
	}
	return Outputs{
		Artifacts: []Artifact{
			{
				Type: model.ArtifactPIIEntities,
				Name: "entities.json",
				// The inventory quotes the raw spans.
				Sensitivity: model.SensitivityRawPII,
				Data:        entityData,
			},
			{
				Type:        model.ArtifactTranscriptRedacted,
				Name:        "transcript_redacted.json",
				Sensitivity: model.SensitivityRedacted,
				Store:       true,
				Data:        redactedData,
			},
		},
		Stats: model.TaskResultStats{
			DurationSeconds: doc.Duration,
			Language:        doc.Language,
			SegmentCount:    len(doc.Segments),
			WordCount:       countWords(doc),
			EntityCount:     len(entities.Entities),
		},
	}, nil
}

// virtualAudioRedact re-renders the source as mono 16 kHz WAV and
// silences or beeps over every entity span.
func virtualAudioRedact(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	src, ok := in[model.ArtifactAudioSource]
	if !ok {
		return Outputs{}, Faultf(model.ErrKindValidation, "no source audio input")
	}
	var entities EntityDoc
	if err := in.JSON(model.ArtifactPIIEntities, &entities); err != nil {
		return Outputs{}, Faultf(model.ErrKindValidation, "no entity inventory input")
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	duration := ProbeMedia(src.Data).DurationSeconds
	wav := SynthWAV(duration, 1)
	mode := task.Param("redaction_mode", "silence")
	for _, e := range entities.Entities {
		redactRange(wav, e.Start, e.End, mode)
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        model.ArtifactAudioRedacted,
			Name:        "audio_redacted.wav",
			Sensitivity: model.SensitivityRedacted,
			Store:       true,
			Data:        wav,
		}},
		Stats: model.TaskResultStats{
			DurationSeconds: duration,
			Channels:        1,
			SampleRate:      virtualSampleRate,
			Format:          "wav",
			EntityCount:     len(entities.Entities),
			SizeBytes:       int64(len(wav)),
		},
	}, nil
}

// virtualMerge joins the branch outputs into the final transcript:
// channel transcripts interleave by time, diarization turns label the
// speakers, and redacted text wins over raw text when pii_detect ran.
func virtualMerge(ctx context.Context, task Task, in Inputs) (Outputs, error) {
	doc, redacted, err := transcriptBase(in)
	if err != nil {
		return Outputs{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outputs{}, err
	}
	if d, found := in[model.ArtifactDiarization]; found {
		var dia DiarizationDoc
		if err := json.Unmarshal(d.Data, &dia); err != nil {
			return Outputs{}, Faultf(model.ErrKindEnginePermanent, "malformed diarization input: %v", err)
		}
		assignSpeakers(&doc, dia.Turns)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return Outputs{}, fmt.Errorf("encode transcript: %w", err)
	}
	outType := model.ArtifactTranscriptRaw
	if hasWords(doc) {
		outType = model.ArtifactTranscriptAligned
	}
	sensitivity := model.SensitivityRawPII
	if redacted {
		sensitivity = model.SensitivityRedacted
	}
	stats := model.TaskResultStats{
		DurationSeconds: doc.Duration,
		Language:        doc.Language,
		SegmentCount:    len(doc.Segments),
		WordCount:       countWords(doc),
		SizeBytes:       int64(len(data)),
	}
	if task.Param("speaker_detection", string(model.SpeakerNone)) != string(model.SpeakerNone) {
		stats.SpeakerCount = countSpeakers(doc)
	}
	return Outputs{
		Artifacts: []Artifact{{
			Type:        outType,
			Name:        "final.json",
			Sensitivity: sensitivity,
			Store:       true,
			Data:        data,
		}},
		Stats: stats,
	}, nil
}

// transcriptBase selects the text source for stages that consume
// transcripts: the redacted document when pii_detect ran, otherwise the
// single-pipeline transcript, otherwise the interleaved channel
// transcripts.
func transcriptBase(in Inputs) (doc TranscriptDoc, redacted bool, err error) {
	if i, found := in[model.ArtifactTranscriptRedacted]; found {
		doc, err = decodeTranscript(i)
		return doc, true, err
	}
	if i, found := in.First(model.ArtifactTranscriptAligned, model.ArtifactTranscriptRaw); found {
		doc, err = decodeTranscript(i)
		return doc, false, err
	}
	var docs []TranscriptDoc
	for c := 0; ; c++ {
		i, found := in[model.ChannelTranscriptType(c)]
		if !found {
			break
		}
		d, err := decodeTranscript(i)
		if err != nil {
			return TranscriptDoc{}, false, err
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return TranscriptDoc{}, false, Faultf(model.ErrKindValidation, "no transcript input")
	}
	return interleave(docs), false, nil
}

func decodeTranscript(i Input) (TranscriptDoc, error) {
	var doc TranscriptDoc
	if err := json.Unmarshal(i.Data, &doc); err != nil {
		return TranscriptDoc{}, Faultf(model.ErrKindEnginePermanent, "malformed %s input: %v", i.Type, err)
	}
	return doc, nil
}

// interleave merges channel documents into one timeline ordered by
// segment start.
func interleave(docs []TranscriptDoc) TranscriptDoc {
	out := TranscriptDoc{Language: docs[0].Language}
	for _, d := range docs {
		out.Segments = append(out.Segments, d.Segments...)
		if d.Duration > out.Duration {
			out.Duration = d.Duration
		}
	}
	sort.SliceStable(out.Segments, func(i, j int) bool {
		if out.Segments[i].Start != out.Segments[j].Start {
			return out.Segments[i].Start < out.Segments[j].Start
		}
		return out.Segments[i].Speaker < out.Segments[j].Speaker
	})
	for i := range out.Segments {
		out.Segments[i].ID = i
	}
	return out
}

// assignSpeakers labels each segment with the turn covering its
// midpoint.
func assignSpeakers(doc *TranscriptDoc, turns []SpeakerTurn) {
	for i := range doc.Segments {
		mid := (doc.Segments[i].Start + doc.Segments[i].End) / 2
		for _, t := range turns {
			if mid >= t.Start && mid < t.End {
				doc.Segments[i].Speaker = t.Speaker
				break
			}
		}
	}
}

// synthTranscript rotates segment texts through the corpus across the
// audio duration.
func synthTranscript(duration float64, lang string, channel int, words bool) TranscriptDoc {
	doc := TranscriptDoc{Language: lang, Duration: duration}
	for i := 0; ; i++ {
		start := float64(i) * segmentSeconds
		if start >= duration {
			break
		}
		seg := Segment{
			ID:    i,
			Start: round2(start),
			End:   round2(math.Min(start+segmentSeconds, duration)),
			Text:  corpus[i%len(corpus)],
		}
		if channel >= 0 {
			seg.Channel = channel
			seg.Speaker = fmt.Sprintf("C%d", channel)
		}
		if words {
			seg.Words = spreadWords(seg.Text, seg.Start, seg.End)
		}
		doc.Segments = append(doc.Segments, seg)
	}
	return doc
}

// spreadWords distributes word timings evenly across a segment window.
func spreadWords(text string, start, end float64) []Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	step := (end - start) / float64(len(fields))
	out := make([]Word, len(fields))
	for i, w := range fields {
		ws := start + float64(i)*step
		out[i] = Word{Start: round2(ws), End: round2(ws + step), Word: w}
	}
	return out
}

// entitySpan narrows an entity to its word timing when the segment has
// words, falling back to the whole segment window.
func entitySpan(seg *Segment, match string) (float64, float64) {
	for _, w := range seg.Words {
		if w.Word == match || strings.Contains(w.Word, match) || strings.Contains(match, w.Word) {
			return w.Start, w.End
		}
	}
	return seg.Start, seg.End
}

func countWords(doc TranscriptDoc) int {
	n := 0
	for _, s := range doc.Segments {
		n += len(strings.Fields(s.Text))
	}
	return n
}

func countSpeakers(doc TranscriptDoc) int {
	seen := map[string]bool{}
	for _, s := range doc.Segments {
		if s.Speaker != "" {
			seen[s.Speaker] = true
		}
	}
	return len(seen)
}

func hasWords(doc TranscriptDoc) bool {
	for _, s := range doc.Segments {
		if len(s.Words) > 0 {
			return true
		}
	}
	return false
}

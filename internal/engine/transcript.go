// SPDX-License-Identifier: MIT

package engine

// TranscriptDoc is the JSON schema every transcript artifact carries,
// from raw per-channel output through the merged final document.
type TranscriptDoc struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration_seconds"`
	Segments []Segment `json:"segments"`
}

// Segment is one utterance, with word timings and a speaker label when a
// stage has derived them.
type Segment struct {
	ID      int     `json:"id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Channel int     `json:"channel,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Word is one word-level timestamp.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// SpeakerTurn is one diarization interval.
type SpeakerTurn struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// DiarizationDoc is the speaker inventory the diarize stage produces.
type DiarizationDoc struct {
	Speakers int           `json:"speakers"`
	Turns    []SpeakerTurn `json:"turns"`
}

// Entity is one detected PII span. Start and End are seconds into the
// audio, narrowed to the word when word timings exist.
type Entity struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	SegmentID int     `json:"segment_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// EntityDoc is the pii_detect inventory. The spans carry the raw text,
// so the document is as sensitive as the transcript itself.
type EntityDoc struct {
	Entities []Entity `json:"entities"`
}

// SPDX-License-Identifier: MIT

// Package catalog loads the engine manifest and answers capability lookups.
// A Catalog is immutable; reloads swap the whole value.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dalstonhq/dalston/internal/model"
)

// Manifest is the on-disk engine inventory.
type Manifest struct {
	Engines []model.EngineDescriptor `yaml:"engines"`
}

// Catalog is the immutable, indexed view of one manifest load.
type Catalog struct {
	engines []model.EngineDescriptor
	byID    map[string]model.EngineDescriptor
	byStage map[model.Stage][]model.EngineDescriptor
	byAlias map[string][]string // alias -> engine IDs
}

// Load reads and indexes the manifest at path.
func Load(path string) (*Catalog, error) {
	// #nosec G304 -- manifest path is operator-provided configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse indexes a manifest from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return New(m.Engines)
}

// New builds a Catalog from descriptors, validating them.
func New(engines []model.EngineDescriptor) (*Catalog, error) {
	c := &Catalog{
		engines: make([]model.EngineDescriptor, 0, len(engines)),
		byID:    make(map[string]model.EngineDescriptor, len(engines)),
		byStage: make(map[model.Stage][]model.EngineDescriptor),
		byAlias: make(map[string][]string),
	}
	for i, e := range engines {
		if err := validateDescriptor(e); err != nil {
			return nil, fmt.Errorf("engine %d (%s): %w", i, e.ID, err)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate engine id %q", e.ID)
		}
		if e.GPU == "" {
			e.GPU = model.GPUNone
		}
		if e.MaxConcurrency == 0 {
			if e.GPU == model.GPURequired {
				e.MaxConcurrency = 1
			} else {
				e.MaxConcurrency = 2
			}
		}
		c.engines = append(c.engines, e)
		c.byID[e.ID] = e
		c.byStage[e.Stage] = append(c.byStage[e.Stage], e)
		for _, a := range e.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a != "" {
				c.byAlias[a] = append(c.byAlias[a], e.ID)
			}
		}
		if e.Model != "" {
			c.byAlias[strings.ToLower(e.Model)] = append(c.byAlias[strings.ToLower(e.Model)], e.ID)
		}
	}
	return c, nil
}

func validateDescriptor(e model.EngineDescriptor) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("missing id")
	}
	switch e.Stage {
	case model.StagePrepare, model.StageTranscribe, model.StageAlign,
		model.StageDiarize, model.StagePIIDetect, model.StageAudioRedact, model.StageMerge:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if len(e.Languages) == 0 {
		return fmt.Errorf("missing languages (use %q for wildcard)", model.LanguageWildcard)
	}
	switch e.GPU {
	case "", model.GPUNone, model.GPUOptional, model.GPURequired:
	default:
		return fmt.Errorf("unknown gpu mode %q", e.GPU)
	}
	if e.RTFCPU < 0 || e.RTFGPU < 0 {
		return fmt.Errorf("negative rtf")
	}
	if e.MaxConcurrency < 0 {
		return fmt.Errorf("negative max_concurrency")
	}
	return nil
}

// Engines returns all descriptors in manifest order.
func (c *Catalog) Engines() []model.EngineDescriptor {
	out := make([]model.EngineDescriptor, len(c.engines))
	copy(out, c.engines)
	return out
}

// Get returns the descriptor with the given ID.
func (c *Catalog) Get(id string) (model.EngineDescriptor, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Requirements describe what a lookup must satisfy.
type Requirements struct {
	Language       string // BCP-47 code or "auto"
	WordTimestamps bool
	Streaming      bool
	ModelAlias     string // "", "auto", or a user-facing model selector
}

// Candidates returns the descriptors able to serve the stage under the
// requirements, ordered by preference: explicit-language GPU engines first,
// wildcard engines last, ties broken by effective RTF (lower first).
// An empty result is returned as a *Error carrying remediation details.
func (c *Catalog) Candidates(stage model.Stage, req Requirements) ([]model.EngineDescriptor, error) {
	family := stage.Family()
	pool := c.byStage[family]

	allowed := map[string]bool{}
	restricted := false
	if alias := normalizeAlias(req.ModelAlias); alias != "" {
		ids, err := c.resolveAlias(family, alias)
		if err != nil {
			return nil, err
		}
		restricted = true
		for _, id := range ids {
			allowed[id] = true
		}
	}

	type scored struct {
		e        model.EngineDescriptor
		explicit bool
	}
	var out []scored
	for _, e := range pool {
		if restricted && !allowed[e.ID] {
			continue
		}
		explicit, ok := languageMatch(e, req.Language)
		if !ok {
			continue
		}
		if req.WordTimestamps && family == model.StageAlign && !e.Capabilities.WordTimestamps {
			continue
		}
		if req.Streaming && !e.Capabilities.Streaming {
			continue
		}
		out = append(out, scored{e: e, explicit: explicit})
	}

	if len(out) == 0 {
		return nil, c.lookupError(family, req)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i], out[j]
		if si.explicit != sj.explicit {
			return si.explicit
		}
		gi, gj := si.e.UsesGPU(), sj.e.UsesGPU()
		if gi != gj {
			return gi
		}
		return si.e.EffectiveRTF() < sj.e.EffectiveRTF()
	})

	res := make([]model.EngineDescriptor, len(out))
	for i, s := range out {
		res[i] = s.e
	}
	return res, nil
}

// ResolveModel maps a user-facing model selector to engine IDs for a stage.
// "auto" and "" impose no restriction and resolve to nil.
func (c *Catalog) ResolveModel(stage model.Stage, alias string) ([]string, error) {
	a := normalizeAlias(alias)
	if a == "" {
		return nil, nil
	}
	return c.resolveAlias(stage.Family(), a)
}

func normalizeAlias(alias string) string {
	a := strings.ToLower(strings.TrimSpace(alias))
	if a == "" || a == "auto" {
		return ""
	}
	return a
}

func (c *Catalog) resolveAlias(family model.Stage, alias string) ([]string, error) {
	var ids []string
	if e, ok := c.byID[alias]; ok && e.Stage == family {
		ids = append(ids, e.ID)
	}
	for _, id := range c.byAlias[alias] {
		if e := c.byID[id]; e.Stage == family && !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, &Error{
			Stage:    family,
			Model:    alias,
			Required: []string{fmt.Sprintf("model %q", alias)},
			Available: c.availableSummaries(family),
			Suggestion: fmt.Sprintf("no %s engine answers to model %q; use one of the listed engines or \"auto\"",
				family, alias),
		}
	}
	return ids, nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (c *Catalog) lookupError(family model.Stage, req Requirements) *Error {
	var required []string
	if req.Language != "" && req.Language != "auto" {
		required = append(required, fmt.Sprintf("language %q", req.Language))
	}
	if req.WordTimestamps {
		required = append(required, "word timestamps")
	}
	if req.Streaming {
		required = append(required, "streaming")
	}
	if a := normalizeAlias(req.ModelAlias); a != "" {
		required = append(required, fmt.Sprintf("model %q", a))
	}
	suggestion := fmt.Sprintf("no %s engine in the manifest satisfies the request", family)
	if req.Language != "" && req.Language != "auto" {
		suggestion = fmt.Sprintf(
			"no %s engine supports language %q; add a wildcard engine or request a supported language",
			family, req.Language)
	}
	return &Error{
		Stage:      family,
		Language:   req.Language,
		Model:      req.ModelAlias,
		Required:   required,
		Available:  c.availableSummaries(family),
		Suggestion: suggestion,
	}
}

func (c *Catalog) availableSummaries(family model.Stage) []string {
	pool := c.byStage[family]
	out := make([]string, 0, len(pool))
	for _, e := range pool {
		out = append(out, fmt.Sprintf("%s (languages: %s)", e.ID, strings.Join(e.Languages, ",")))
	}
	return out
}

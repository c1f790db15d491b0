// Package extraction defines the built-in document extraction pipeline:
// chunking, entity extraction, relation extraction, optional grounding,
// and graph assembly. Model and knowledge-base calls go through the
// engine's protected Caller so circuit breaking applies uniformly.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/novagraph/graphex/internal/engine"
	"github.com/novagraph/graphex/pkg/schema"
)

// Dependency names used for circuit breaker routing.
const (
	DependencyModel    = "extraction-model"
	DependencyGrounder = "grounding-service"
)

const defaultChunkSize = 4096

// Chunk is one slice of the source document.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Entity is a single extracted entity mention.
type Entity struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	ChunkIndex int     `json:"chunk_index"`
	KBID       string  `json:"kb_id,omitempty"`
	KBScore    float64 `json:"kb_score,omitempty"`
}

// Relation links two extracted entities by id.
type Relation struct {
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Predicate  string  `json:"predicate"`
	Confidence float64 `json:"confidence"`
	ChunkIndex int     `json:"chunk_index"`
}

// document is the envelope threaded between stages.
type document struct {
	DocumentID     string     `json:"document_id,omitempty"`
	Language       string     `json:"language,omitempty"`
	Ontology       []string   `json:"ontology,omitempty"`
	GroundEntities bool       `json:"ground_entities,omitempty"`
	Chunks         []Chunk    `json:"chunks"`
	Entities       []Entity   `json:"entities,omitempty"`
	Relations      []Relation `json:"relations,omitempty"`
}

// modelRequest is the wire shape sent to the extraction model.
type modelRequest struct {
	Task     string   `json:"task"`
	Language string   `json:"language,omitempty"`
	Ontology []string `json:"ontology,omitempty"`
	Chunk    Chunk    `json:"chunk"`
	Entities []Entity `json:"entities,omitempty"`
}

type entityResponse struct {
	Entities []Entity `json:"entities"`
}

type relationResponse struct {
	Relations []Relation `json:"relations"`
}

// groundingRequest asks the knowledge base to resolve entity mentions.
type groundingRequest struct {
	Language string   `json:"language,omitempty"`
	Entities []Entity `json:"entities"`
}

type groundingResponse struct {
	Matches []groundingMatch `json:"matches"`
}

type groundingMatch struct {
	EntityID string  `json:"entity_id"`
	KBID     string  `json:"kb_id"`
	Score    float64 `json:"score"`
}

// Graph is the final assembled extraction result.
type Graph struct {
	DocumentID string     `json:"document_id,omitempty"`
	Entities   []Entity   `json:"entities"`
	Relations  []Relation `json:"relations"`
	Stats      GraphStats `json:"stats"`
}

type GraphStats struct {
	Chunks    int `json:"chunks"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Grounded  int `json:"grounded"`
}

// Pipeline returns the standard five-stage extraction pipeline.
func Pipeline() engine.Pipeline {
	return engine.Pipeline{
		Name: "extraction",
		Stages: []engine.Stage{
			engine.StageFunc{StageName: "chunking", Fn: runChunking},
			engine.StageFunc{StageName: "entity_extraction", Fn: runEntityExtraction},
			engine.StageFunc{StageName: "relation_extraction", Fn: runRelationExtraction},
			engine.StageFunc{StageName: "grounding", Fn: runGrounding},
			engine.StageFunc{StageName: "assembly", Fn: runAssembly},
		},
	}
}

func runChunking(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
	var req schema.ExtractionRequest
	if err := json.Unmarshal(in.Request, &req); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed extraction request: %v", err)
	}

	doc := document{
		DocumentID:     req.DocumentID,
		Language:       optString(req.Options, "language"),
		Ontology:       optStrings(req.Options, "ontology"),
		GroundEntities: optBool(req.Options, "ground_entities"),
	}
	size := optInt(req.Options, "chunk_size")
	if size <= 0 {
		size = defaultChunkSize
	}

	runes := []rune(req.Text)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		doc.Chunks = append(doc.Chunks, Chunk{Index: len(doc.Chunks), Text: string(runes[i:end])})
	}

	for _, c := range doc.Chunks {
		_ = in.Emit(ctx, schema.KindChunkProcessed, stageFraction(c.Index+1, len(doc.Chunks)), map[string]any{
			"chunk_index": c.Index,
			"chars":       len(c.Text),
		})
	}
	return json.Marshal(doc)
}

func runEntityExtraction(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
	var doc document
	if err := json.Unmarshal(in.Data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "entity_extraction: bad input: %v", err)
	}

	for i, chunk := range doc.Chunks {
		raw, err := callModel(ctx, in.External, modelRequest{
			Task:     "entities",
			Language: doc.Language,
			Ontology: doc.Ontology,
			Chunk:    chunk,
		})
		if err != nil {
			return nil, err
		}
		var resp entityResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExternalService, "extraction model returned malformed entities: %v", err)
		}
		for _, ent := range resp.Entities {
			ent.ChunkIndex = chunk.Index
			doc.Entities = append(doc.Entities, ent)
			_ = in.Emit(ctx, schema.KindEntityFound, stageFraction(i+1, len(doc.Chunks)), map[string]any{
				"entity_id":  ent.ID,
				"name":       ent.Name,
				"type":       ent.Type,
				"confidence": ent.Confidence,
			})
		}
	}
	return json.Marshal(doc)
}

func runRelationExtraction(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
	var doc document
	if err := json.Unmarshal(in.Data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "relation_extraction: bad input: %v", err)
	}

	byChunk := make(map[int][]Entity)
	for _, ent := range doc.Entities {
		byChunk[ent.ChunkIndex] = append(byChunk[ent.ChunkIndex], ent)
	}

	for i, chunk := range doc.Chunks {
		candidates := byChunk[chunk.Index]
		if len(candidates) < 2 {
			continue
		}
		raw, err := callModel(ctx, in.External, modelRequest{
			Task:     "relations",
			Language: doc.Language,
			Chunk:    chunk,
			Entities: candidates,
		})
		if err != nil {
			return nil, err
		}
		var resp relationResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExternalService, "extraction model returned malformed relations: %v", err)
		}
		for _, rel := range resp.Relations {
			rel.ChunkIndex = chunk.Index
			doc.Relations = append(doc.Relations, rel)
			_ = in.Emit(ctx, schema.KindRelationFound, stageFraction(i+1, len(doc.Chunks)), map[string]any{
				"source_id": rel.SourceID,
				"target_id": rel.TargetID,
				"predicate": rel.Predicate,
			})
		}
	}
	return json.Marshal(doc)
}

func runGrounding(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
	var doc document
	if err := json.Unmarshal(in.Data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "grounding: bad input: %v", err)
	}
	if !doc.GroundEntities || len(doc.Entities) == 0 {
		return in.Data, nil
	}

	payload, err := json.Marshal(groundingRequest{Language: doc.Language, Entities: doc.Entities})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "grounding: encode request: %v", err)
	}
	raw, err := in.External.Call(ctx, DependencyGrounder, payload)
	if err != nil {
		return nil, err
	}
	var resp groundingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "grounding service returned malformed matches: %v", err)
	}

	matches := make(map[string]groundingMatch, len(resp.Matches))
	for _, m := range resp.Matches {
		matches[m.EntityID] = m
	}
	for i := range doc.Entities {
		m, ok := matches[doc.Entities[i].ID]
		if !ok {
			continue
		}
		doc.Entities[i].KBID = m.KBID
		doc.Entities[i].KBScore = m.Score
		_ = in.Emit(ctx, schema.KindEntityGrounded, stageFraction(i+1, len(doc.Entities)), map[string]any{
			"entity_id": doc.Entities[i].ID,
			"kb_id":     m.KBID,
			"score":     m.Score,
		})
	}
	return json.Marshal(doc)
}

func runAssembly(ctx context.Context, in engine.StageInput) (json.RawMessage, error) {
	var doc document
	if err := json.Unmarshal(in.Data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "assembly: bad input: %v", err)
	}

	graph := Graph{
		DocumentID: doc.DocumentID,
		Entities:   dedupeEntities(doc.Entities),
		Relations:  doc.Relations,
	}
	if graph.Entities == nil {
		graph.Entities = []Entity{}
	}
	if graph.Relations == nil {
		graph.Relations = []Relation{}
	}
	graph.Stats = GraphStats{
		Chunks:    len(doc.Chunks),
		Entities:  len(graph.Entities),
		Relations: len(graph.Relations),
	}
	for _, ent := range graph.Entities {
		if ent.KBID != "" {
			graph.Stats.Grounded++
		}
	}

	_ = in.Emit(ctx, schema.KindPartialGraph, 1, map[string]any{
		"entities":  graph.Stats.Entities,
		"relations": graph.Stats.Relations,
	})
	return json.Marshal(graph)
}

// dedupeEntities keeps one entity per (name, type) pair, preferring the
// highest-confidence mention. Output order follows first appearance so the
// result is stable for journal replay.
func dedupeEntities(entities []Entity) []Entity {
	type key struct{ name, typ string }
	index := make(map[key]int, len(entities))
	var out []Entity
	for _, ent := range entities {
		k := key{ent.Name, ent.Type}
		if at, seen := index[k]; seen {
			if ent.Confidence > out[at].Confidence {
				ent.ChunkIndex = out[at].ChunkIndex
				out[at] = ent
			}
			continue
		}
		index[k] = len(out)
		out = append(out, ent)
	}
	return out
}

func callModel(ctx context.Context, caller engine.Caller, req modelRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefect, "encode %s request: %v", req.Task, err)
	}
	raw, err := caller.Call(ctx, DependencyModel, payload)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", req.Task, err)
	}
	return raw, nil
}

// stageFraction reports progress within the current stage only; the engine
// owns overall progress and reports it on stage boundaries.
func stageFraction(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

func optString(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

func optBool(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func optStrings(opts map[string]any, key string) []string {
	raw, ok := opts[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

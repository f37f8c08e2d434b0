package graphreason

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/graphreason/chunker"
	"github.com/brunobiangulo/graphreason/community"
	"github.com/brunobiangulo/graphreason/extract"
	"github.com/brunobiangulo/graphreason/globalquery"
	"github.com/brunobiangulo/graphreason/llm"
	"github.com/brunobiangulo/graphreason/parser"
	"github.com/brunobiangulo/graphreason/resolve"
	"github.com/brunobiangulo/graphreason/retrieval"
	"github.com/brunobiangulo/graphreason/store"
	"github.com/brunobiangulo/graphreason/tog"
)

// Engine is the main entry point for the Graph RAG engine.
type Engine interface {
	// Ingest parses, chunks, embeds, and builds the graph for a
	// document. Returns the document ID. Skips re-processing if the
	// content hash is unchanged.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// Query answers a question using the requested Mode (local,
	// community, global, or tog retrieval).
	Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, path string) (bool, error)

	// UpdateAll checks all ingested documents for changes.
	UpdateAll(ctx context.Context) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Mode selects which of the four retrieval/reasoning paths answers a
// query.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeCommunity Mode = "community"
	ModeGlobal    Mode = "global"
	ModeToG       Mode = "tog"
)

// Answer represents the result of a query.
type Answer struct {
	Mode             Mode        `json:"mode"`
	Text             string      `json:"text"`
	Confidence       float64     `json:"confidence"`
	Sources          []Source    `json:"sources,omitempty"`
	Citations        []int64     `json:"citations,omitempty"`
	ReasoningPath    []tog.Step  `json:"reasoning_path,omitempty"`
	RetrievedTriples []tog.Triplet `json:"retrieved_triplets,omitempty"`
	ModelUsed        string      `json:"model_used"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

// Source represents a retrieved text unit backing an answer, with a
// short relevant excerpt picked out of its full text.
type Source struct {
	TextUnitID int64   `json:"text_unit_id"`
	DocumentID int64   `json:"document_id"`
	Path       string  `json:"path"`
	Heading    string  `json:"heading"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Document represents an ingested document.
type Document struct {
	ID          int64             `json:"id"`
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	ContentHash string            `json:"content_hash"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	metadata     map[string]string
	skipGraph    bool
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// WithSkipGraph skips entity extraction, resolution, and community
// detection for this ingestion, leaving the document searchable by
// vector/FTS only.
func WithSkipGraph() IngestOption {
	return func(o *ingestOptions) { o.skipGraph = true }
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	mode Mode
}

// WithMode selects which retrieval/reasoning path answers the query.
func WithMode(m Mode) QueryOption {
	return func(o *queryOptions) { o.mode = m }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   *llm.Gateway
	embedLLM  *llm.Gateway
	parsers   *parser.Registry
	chunkr    *chunker.Chunker
	extractor *extract.Engine
	resolver  *resolve.Resolver
	communities *community.Builder
	summarizer  *community.Summarizer
	assembler *retrieval.Assembler
	globalq   *globalquery.Engine
	tog       *tog.Engine
}

// New creates a new GraphReason engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	chatLLM := llm.NewGateway(chatProvider, cfg.RateLimitRPM)

	embedProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		chatLLM.Close()
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	embedLLM := llm.NewGateway(embedProvider, cfg.RateLimitRPM)

	reg := parser.NewRegistry()

	chunkr := chunker.New(chunker.Config{
		MaxTokens: cfg.MaxChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	extractor := extract.NewEngine(chatLLM, extract.Config{
		EntityTypes:                    cfg.EntityTypes,
		TupleDelimiter:                 cfg.TupleDelimiter,
		RecordDelimiter:                cfg.RecordDelimiter,
		CompletionDelimiter:            cfg.CompletionDelimiter,
		MaxGleanings:                   cfg.GleaningMaxRounds,
		Concurrency:                    cfg.ExtractConcurrency,
		EnableDescriptionSummarization: cfg.EnableDescriptionSummarization,
	})

	resolver := resolve.New(s, chatLLM, resolve.Config{
		Threshold:         cfg.ResolveSimilarityThreshold,
		PhoneticThreshold: cfg.ResolvePhoneticThreshold,
		UseLLM:            cfg.EnableLLMResolution,
	})

	communities := community.New(s, community.Config{
		MaxLevels: cfg.MaxCommunityLevels,
		Seed:      uint64(cfg.CommunitySeed),
	})

	summarizer := community.NewSummarizer(s, chatLLM, community.SummarizerConfig{})

	assembler := retrieval.NewAssembler(s, embedLLM, retrieval.AssemblerConfig{
		MaxContextTokens:  cfg.TokenBudget,
		TopKRelationships: cfg.TopKRelationships,
		MinCommunityRank:  cfg.MinCommunityRank,
	})

	globalq := globalquery.New(chatLLM, globalquery.Config{
		Concurrency:     cfg.GlobalMapConcurrency,
		BatchTokenLimit: cfg.GlobalBatchTokenLimit,
	})

	togEngine := tog.New(s, chatLLM, embedLLM, tog.Config{
		SearchWidth:            cfg.ToGWidth,
		SearchDepth:            cfg.ToGMaxDepth,
		EnableSufficiencyCheck: cfg.ToGEnableSufficiencyCheck,
	})

	return &engine{
		cfg:         cfg,
		store:       s,
		chatLLM:     chatLLM,
		embedLLM:    embedLLM,
		parsers:     reg,
		chunkr:      chunkr,
		extractor:   extractor,
		resolver:    resolver,
		communities: communities,
		summarizer:  summarizer,
		assembler:   assembler,
		globalq:     globalq,
		tog:         togEngine,
	}, nil
}

// Ingest processes a document through the full pipeline: parse, chunk,
// embed, extract entities/relationships/claims, resolve duplicates,
// and rebuild communities. On a document whose content hash has
// changed, it diffs the newly chunked text against the previously
// stored chunks by per-chunk content hash instead of rebuilding the
// document from scratch: chunks whose hash is unchanged are left
// untouched, only new/modified chunks are parsed into the graph, and
// only the entities mentioned by removed or newly inserted chunks are
// re-clustered.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	sess, err := e.store.BeginSession(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning ingest session: %w", err)
	}
	defer sess.Close()

	existing, err := e.store.GetDocumentByPathTx(ctx, sess.Tx(), absPath)
	if err == nil && existing != nil && existing.ContentHash == hash && !options.forceReparse {
		if err := sess.Commit(); err != nil {
			return 0, fmt.Errorf("committing ingest session: %w", err)
		}
		return existing.ID, nil
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))

	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	name := filepath.Base(absPath)
	docID, err := e.store.UpsertDocumentTx(ctx, sess.Tx(), store.Document{
		Path:        absPath,
		Name:        name,
		ContentHash: hash,
		Status:      store.DocStatusProcessing,
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}
	if err := sess.Commit(); err != nil {
		return 0, fmt.Errorf("committing ingest session: %w", err)
	}
	isUpdate := existing != nil && existing.ID == docID

	slog.Info("ingest: parsing document", "file", name, "format", ext, "doc_id", docID)
	parseStart := time.Now()

	p, err := e.parsers.Get(ext)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
		return 0, Taxonomy(KindConfiguration, fmt.Errorf("unsupported format %q: %w", ext, err))
	}

	parsed, err := p.Parse(ctx, absPath)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
		return 0, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	slog.Info("ingest: parsing complete",
		"file", name, "method", parsed.Method,
		"sections", len(parsed.Sections), "elapsed", time.Since(parseStart).Round(time.Millisecond))

	docText := flattenSections(parsed.Sections)
	units := e.chunkr.Chunk(docText)

	slog.Info("ingest: chunking complete", "file", name, "chunks", len(units))

	var priorAffected []int64
	newUnits := units

	if isUpdate {
		oldUnits, err := e.store.GetTextUnitsByDocument(ctx, docID)
		if err != nil {
			e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
			return 0, fmt.Errorf("loading previous chunks: %w", err)
		}
		var staleIDs []int64
		newUnits, staleIDs = diffChunksByHash(units, oldUnits)
		slog.Info("ingest: diffing chunks against previous version", "file", name,
			"unchanged", len(units)-len(newUnits), "new", len(newUnits), "stale", len(staleIDs))

		if len(staleIDs) > 0 {
			staleEntities, err := e.store.EntitiesMentionedIn(ctx, staleIDs, 10000)
			if err != nil {
				slog.Warn("ingest: loading entities mentioned by stale chunks failed", "error", err)
			}
			if err := e.store.DeleteTextUnits(ctx, staleIDs); err != nil {
				e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
				return 0, fmt.Errorf("deleting stale chunks: %w", err)
			}
			if len(staleEntities) > 0 {
				priorAffected = make([]int64, len(staleEntities))
				for i, ent := range staleEntities {
					priorAffected[i] = ent.ID
				}
				if err := e.store.SyncMentionCounts(ctx, priorAffected); err != nil {
					slog.Warn("ingest: syncing mention counts failed", "error", err)
				}
				e.pruneOrphanedEntities(ctx, priorAffected)
			}
		}
	}

	storeUnits := make([]store.TextUnit, len(newUnits))
	for i, u := range newUnits {
		storeUnits[i] = store.TextUnit{
			DocumentID: docID,
			Text:       u.Text,
			Heading:    u.Heading,
			StartChar:  u.StartChar,
			EndChar:    u.EndChar,
			TokenCount: u.TokenCount,
		}
	}

	newUnitIDs, err := e.store.InsertTextUnits(ctx, storeUnits)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
		return 0, fmt.Errorf("inserting text units: %w", err)
	}

	slog.Info("ingest: generating embeddings", "file", name, "units", len(newUnits))
	embedStart := time.Now()
	if err := e.embedTextUnits(ctx, newUnits, newUnitIDs); err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusFailed)
		return 0, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete", "file", name,
		"elapsed", time.Since(embedStart).Round(time.Millisecond))

	if !options.skipGraph {
		var gerr error
		if isUpdate {
			gerr = e.buildGraphIncremental(ctx, newUnits, newUnitIDs, priorAffected)
		} else {
			gerr = e.buildGraph(ctx, newUnits, newUnitIDs)
		}
		if gerr != nil {
			slog.Warn("ingest: graph build had errors (non-fatal)", "doc_id", docID, "error", gerr)
		}
	} else {
		slog.Info("ingest: graph building skipped", "doc_id", docID)
	}

	e.store.UpdateDocumentStatus(ctx, docID, store.DocStatusReady)
	slog.Info("ingest: document ready", "file", name, "doc_id", docID,
		"total_elapsed", time.Since(parseStart).Round(time.Millisecond))
	return docID, nil
}

// diffChunksByHash compares freshly chunked text against a document's
// previously stored chunks by content hash. Chunks present in both are
// left alone; newUnits holds chunks with no matching stored hash
// (new or edited content) and staleIDs holds stored chunk ids with no
// matching fresh hash (deleted or superseded content).
func diffChunksByHash(units []chunker.TextUnit, existing []store.TextUnit) (newUnits []chunker.TextUnit, staleIDs []int64) {
	existingByHash := make(map[string]bool, len(existing))
	for _, u := range existing {
		existingByHash[u.ContentHash] = true
	}
	freshHashes := make(map[string]bool, len(units))
	for _, u := range units {
		h := chunkContentHash(u.Text)
		freshHashes[h] = true
		if !existingByHash[h] {
			newUnits = append(newUnits, u)
		}
	}
	for _, u := range existing {
		if !freshHashes[u.ContentHash] {
			staleIDs = append(staleIDs, u.ID)
		}
	}
	return newUnits, staleIDs
}

// chunkContentHash computes the same content hash store.InsertTextUnits
// assigns a chunk, so freshly chunked text can be compared against
// store.TextUnit.ContentHash without round-tripping through the store.
func chunkContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// pruneOrphanedEntities deletes any candidate entity whose mention
// count has dropped to zero and that no surviving claim or
// relationship still references.
func (e *engine) pruneOrphanedEntities(ctx context.Context, candidateIDs []int64) {
	var toDelete []int64
	for _, id := range candidateIDs {
		ent, err := e.store.GetEntity(ctx, id)
		if err != nil || ent == nil || ent.MentionCount > 0 {
			continue
		}
		if claims, err := e.store.ClaimsAbout(ctx, []int64{id}, 1); err != nil || len(claims) > 0 {
			continue
		}
		if related, err := e.store.GetRelatedEntities(ctx, []int64{id}, 1); err != nil || len(related) > 0 {
			continue
		}
		toDelete = append(toDelete, id)
	}
	if len(toDelete) == 0 {
		return
	}
	if err := e.store.DeleteEntities(ctx, toDelete); err != nil {
		slog.Warn("ingest: deleting orphaned entities failed", "error", err)
		return
	}
	slog.Info("ingest: removed entities with no surviving mentions", "count", len(toDelete))
}

// extractAndPersist runs extraction over units and persists each
// chunk's result into the graph store. A chunk that tries to MERGE an
// entity with an empty name is an invariant violation, logged and
// skipped rather than aborting the rest of the document.
func (e *engine) extractAndPersist(ctx context.Context, units []chunker.TextUnit, unitIDs []int64) error {
	inputs := make([]extract.ChunkInput, len(units))
	for i, u := range units {
		inputs[i] = extract.ChunkInput{TextUnitID: unitIDs[i], Text: u.Text}
	}

	results, err := e.extractor.ExtractDocument(ctx, inputs)
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}
	for _, r := range results {
		if err := extract.Persist(ctx, e.store, r.TextUnitID, r.Result); err != nil {
			if errors.Is(err, store.ErrEmptyEntityName) {
				slog.Warn("ingest: skipping invariant violation",
					"text_unit_id", r.TextUnitID, "error", Taxonomy(KindInvariantViolation, err))
				continue
			}
			slog.Warn("ingest: persisting extraction failed", "text_unit_id", r.TextUnitID, "error", err)
		}
	}
	return nil
}

// resolveEntities runs entity resolution over the full entity set.
func (e *engine) resolveEntities(ctx context.Context) error {
	allEntities, err := e.store.AllEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities for resolution: %w", err)
	}
	merged, err := e.resolver.Run(ctx, allEntities)
	if err != nil {
		return fmt.Errorf("resolution: %w", err)
	}
	if merged > 0 {
		slog.Info("ingest: entity resolution merged duplicates", "merged", merged)
	}
	return nil
}

// summarizeCreated regenerates summaries for every community (at any
// level) that was created or whose membership changed.
func (e *engine) summarizeCreated(ctx context.Context, created []store.Community) error {
	if len(created) == 0 {
		return nil
	}
	slog.Info("ingest: summarizing communities", "count", len(created))
	if err := e.summarizer.Summarize(ctx, created); err != nil {
		slog.Warn("ingest: community summarization failed (non-fatal)", "error", err)
	}
	return nil
}

// buildGraph runs extraction, entity resolution, and full community
// rebuild over a brand-new document's text units. A failure at any
// stage is logged and does not abort ingestion — the document remains
// searchable by vector/FTS even without a graph.
func (e *engine) buildGraph(ctx context.Context, units []chunker.TextUnit, unitIDs []int64) error {
	if err := e.extractAndPersist(ctx, units, unitIDs); err != nil {
		return err
	}
	if err := e.resolveEntities(ctx); err != nil {
		slog.Warn("ingest: entity resolution failed (non-fatal)", "error", err)
	}

	createdCommunities, err := e.communities.DetectFull(ctx)
	if err != nil {
		return fmt.Errorf("community detection: %w", err)
	}
	return e.summarizeCreated(ctx, createdCommunities)
}

// buildGraphIncremental runs extraction and resolution over only the
// new/modified text units of an updated document, then re-clusters
// just the affected entities — those mentioned by stale chunks that
// were removed, union those mentioned by the newly inserted ones —
// instead of rebuilding the whole community hierarchy.
func (e *engine) buildGraphIncremental(ctx context.Context, units []chunker.TextUnit, unitIDs []int64, priorAffected []int64) error {
	if err := e.extractAndPersist(ctx, units, unitIDs); err != nil {
		return err
	}
	if err := e.resolveEntities(ctx); err != nil {
		slog.Warn("ingest: entity resolution failed (non-fatal)", "error", err)
	}

	mentioned, err := e.store.EntitiesMentionedIn(ctx, unitIDs, 10000)
	if err != nil {
		return fmt.Errorf("loading entities mentioned by new chunks: %w", err)
	}
	affected := make([]int64, 0, len(priorAffected)+len(mentioned))
	seen := make(map[int64]bool, len(priorAffected)+len(mentioned))
	for _, id := range priorAffected {
		if !seen[id] {
			seen[id] = true
			affected = append(affected, id)
		}
	}
	for _, ent := range mentioned {
		if !seen[ent.ID] {
			seen[ent.ID] = true
			affected = append(affected, ent.ID)
		}
	}
	if len(affected) == 0 {
		return nil
	}

	createdCommunities, err := e.communities.DetectIncremental(ctx, affected)
	if err != nil {
		return fmt.Errorf("incremental community detection: %w", err)
	}
	return e.summarizeCreated(ctx, createdCommunities)
}

// Query answers question using the mode selected by opts (ModeLocal by
// default).
func (e *engine) Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error) {
	options := &queryOptions{mode: ModeLocal}
	for _, o := range opts {
		o(options)
	}

	start := time.Now()
	var answer *Answer
	var err error

	switch options.mode {
	case ModeGlobal:
		answer, err = e.queryGlobal(ctx, question)
	case ModeCommunity:
		answer, err = e.queryAssembled(ctx, question, ModeCommunity)
	case ModeToG:
		answer, err = e.queryToG(ctx, question)
	default:
		answer, err = e.queryAssembled(ctx, question, ModeLocal)
	}
	if err != nil {
		return nil, err
	}
	answer.ProcessingTimeMs = time.Since(start).Milliseconds()

	e.store.LogQuery(ctx, store.QueryLog{
		Mode:             string(answer.Mode),
		Query:            question,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Citations:        answer.Citations,
		ModelUsed:        answer.ModelUsed,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	})
	return answer, nil
}

// queryAssembled answers via the Local or Community context assembler
// followed by a single synthesis call over the assembled text.
func (e *engine) queryAssembled(ctx context.Context, question string, mode Mode) (*Answer, error) {
	var rctx *retrieval.Context
	var err error
	if mode == ModeCommunity {
		rctx, err = e.assembler.Community(ctx, question)
	} else {
		rctx, err = e.assembler.Local(ctx, question)
	}
	if err != nil {
		return nil, fmt.Errorf("assembling context: %w", err)
	}
	if len(rctx.Entities) == 0 && len(rctx.TextUnits) == 0 {
		return nil, ErrNoResults
	}

	resp, err := e.chatLLM.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(localSynthesisPromptTemplate, question, rctx.Text)}},
		Temperature:    0.2,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	text, confidence, citations, err := parseLocalSynthesis(resp.Content)
	if err != nil {
		return nil, err
	}

	answerWords := significantWords(text)
	sources := make([]Source, 0, len(rctx.TextUnits))
	for _, u := range rctx.TextUnits {
		included := len(citations) == 0
		for _, c := range citations {
			if c == u.ID {
				included = true
				break
			}
		}
		if !included {
			continue
		}
		sources = append(sources, Source{
			TextUnitID: u.ID,
			DocumentID: u.DocumentID,
			Heading:    u.Heading,
			Snippet:    extractSnippet(u.Text, answerWords),
		})
	}

	return &Answer{
		Mode:             mode,
		Text:             text,
		Confidence:       confidence,
		Sources:          sources,
		Citations:        citations,
		ModelUsed:        resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
	}, nil
}

// queryGlobal answers over the full set of level-0 communities via the
// map-reduce global query engine.
func (e *engine) queryGlobal(ctx context.Context, question string) (*Answer, error) {
	rctx, err := e.assembler.Global(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("enumerating communities: %w", err)
	}
	if len(rctx.Communities) == 0 {
		return nil, ErrNoResults
	}

	gAnswer, err := e.globalq.Query(ctx, question, rctx.Communities)
	if err != nil {
		return nil, fmt.Errorf("global query: %w", err)
	}
	return &Answer{
		Mode:       ModeGlobal,
		Text:       gAnswer.Text,
		Confidence: gAnswer.Confidence,
		Citations:  gAnswer.Citations,
		ModelUsed:  e.cfg.Chat.Model,
	}, nil
}

// queryToG answers via Tree-of-Graphs iterative exploration.
func (e *engine) queryToG(ctx context.Context, question string) (*Answer, error) {
	tAnswer, err := e.tog.Answer(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("tog reasoning: %w", err)
	}
	return &Answer{
		Mode:             ModeToG,
		Text:             tAnswer.Answer,
		Confidence:       tAnswer.Confidence,
		ReasoningPath:    tAnswer.ReasoningPath,
		RetrievedTriples: tAnswer.RetrievedTriplets,
		ModelUsed:        e.cfg.Chat.Model,
		ProcessingTimeMs: tAnswer.ProcessingTimeMs,
	}, nil
}

// Update checks if a document has changed and re-ingests if needed.
func (e *engine) Update(ctx context.Context, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	doc, err := e.store.GetDocumentByPath(ctx, absPath)
	if err != nil || doc == nil {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, absPath)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return false, fmt.Errorf("hashing file: %w", err)
	}
	if hash == doc.ContentHash {
		return false, nil
	}

	if _, err := e.Ingest(ctx, absPath, WithForceReparse()); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAll checks all documents for changes.
func (e *engine) UpdateAll(ctx context.Context) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, doc.Path)
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	return e.store.DeleteDocument(ctx, documentID)
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Name:        d.Name,
			ContentHash: d.ContentHash,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine, stopping both providers' rate-limit
// tickers before closing the store.
func (e *engine) Close() error {
	e.chatLLM.Close()
	e.embedLLM.Close()
	return e.store.Close()
}

// flattenSections joins a parsed document's section tree into a
// single text blob for the chunker, which recovers heading structure
// itself from `#` lines rather than from the parsed tree.
func flattenSections(sections []parser.Section) string {
	var b strings.Builder
	var walk func([]parser.Section)
	walk = func(secs []parser.Section) {
		for _, s := range secs {
			if s.Content != "" {
				b.WriteString(s.Content)
				b.WriteString("\n\n")
			}
			walk(s.Children)
		}
	}
	walk(sections)
	return b.String()
}

// maxEmbedChars is the maximum character length for a single text sent
// to the embedding model. Most embedding models have a context window
// of 8192 tokens; ~24000 chars (~6000 tokens) leaves headroom for
// varied tokenizers.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// embedTextUnits generates embeddings for text units in batches.
// Individual batch failures trigger per-text fallback so a single
// oversized text doesn't lose the entire batch.
func (e *engine) embedTextUnits(ctx context.Context, units []chunker.TextUnit, unitIDs []int64) error {
	const batchSize = 32
	var failed int

	for i := 0; i < len(units); i += batchSize {
		end := i + batchSize
		if end > len(units) {
			end = len(units)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			prefix := ""
			if units[j].Heading != "" {
				prefix = units[j].Heading + ": "
			}
			texts[j-i] = truncateForEmbed(prefix + units[j].Text)
		}

		embeddings, err := e.embedLLM.Embed(ctx, texts)
		if err != nil {
			slog.Warn("embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, unitIDs[i+j], single[0]); serr != nil {
					slog.Warn("storing embedding failed", "text_unit_id", unitIDs[i+j], "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, unitIDs[i+j], emb); err != nil {
				slog.Warn("storing embedding failed", "text_unit_id", unitIDs[i+j], "error", err)
				failed++
			}
		}
	}

	if failed == len(units) && len(units) > 0 {
		return fmt.Errorf("all %d text units failed embedding", len(units))
	}
	if failed > 0 {
		slog.Warn("some embeddings failed", "failed", failed, "total", len(units))
	}
	return nil
}

const localSynthesisPromptTemplate = `Answer the question using ONLY the context below.

QUESTION: %s

CONTEXT:
%s
Return a JSON object with exactly these keys:
  "answer": the answer text
  "confidence": a number from 0 to 1
  "citations": an array of the text unit ids (the numbers in the Sources table's id column) actually used to support the answer

Do not include any text outside the JSON object.`

func parseLocalSynthesis(raw string) (string, float64, []int64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", 0, nil, fmt.Errorf("no JSON object found in synthesis response")
	}
	var payload struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
		Citations  []int64 `json:"citations"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return "", 0, nil, fmt.Errorf("parsing synthesis json: %w", err)
	}
	return payload.Answer, payload.Confidence, payload.Citations, nil
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

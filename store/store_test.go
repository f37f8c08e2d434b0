//go:build cgo

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Document CRUD
// ---------------------------------------------------------------------------

func sampleDoc(path string) Document {
	return Document{
		Path:        path,
		Name:        "test.md",
		ContentHash: "abc123",
		Status:      DocStatusPending,
		Metadata:    `{"pages":10}`,
	}
}

func TestUpsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/tmp/test.md")
	id, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("upserting document: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero document id")
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting document by id: %v", err)
	}
	if got.Path != doc.Path {
		t.Errorf("path: got %q, want %q", got.Path, doc.Path)
	}
	if got.Name != doc.Name {
		t.Errorf("name: got %q, want %q", got.Name, doc.Name)
	}
	if got.Status != DocStatusPending {
		t.Errorf("status: got %q, want %q", got.Status, DocStatusPending)
	}
}

func TestUpsertDocumentUpdatesOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/docs/a.md")
	id1, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	doc.ContentHash = "newhash"
	doc.Status = DocStatusReady
	id2, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id on conflict, got %d and %d", id1, id2)
	}

	got, err := s.GetDocument(ctx, id1)
	if err != nil {
		t.Fatalf("getting document: %v", err)
	}
	if got.ContentHash != "newhash" || got.Status != DocStatusReady {
		t.Errorf("expected upsert to update hash/status, got %+v", got)
	}
}

func TestGetDocumentByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/docs/report.md")
	_, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}

	got, err := s.GetDocumentByPath(ctx, "/docs/report.md")
	if err != nil {
		t.Fatalf("getting by path: %v", err)
	}
	if got.Name != "test.md" {
		t.Errorf("name: got %q, want %q", got.Name, "test.md")
	}
}

func TestGetDocumentByPathNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetDocumentByPath(ctx, "/nonexistent")
	if err != sql.ErrNoRows {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/docs/x.md"))
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if err := s.UpdateDocumentStatus(ctx, id, DocStatusReady); err != nil {
		t.Fatalf("updating status: %v", err)
	}
	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("getting document: %v", err)
	}
	if got.Status != DocStatusReady {
		t.Errorf("status: got %q, want %q", got.Status, DocStatusReady)
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertDocument(ctx, sampleDoc("/docs/1.md"))
	s.UpsertDocument(ctx, sampleDoc("/docs/2.md"))

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("listing documents: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/cascade.md"))
	if err != nil {
		t.Fatalf("upserting document: %v", err)
	}
	unitIDs, err := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "hello world"}})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}
	if _, err := s.UpsertEntityAndMention(ctx, "Hello", "thing", "", 0.9, unitIDs[0]); err != nil {
		t.Fatalf("upserting entity: %v", err)
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("deleting document: %v", err)
	}

	if _, err := s.GetDocument(ctx, docID); err != sql.ErrNoRows {
		t.Errorf("expected document gone, got err=%v", err)
	}
	units, err := s.GetTextUnitsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("listing text units: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("expected no text units left after delete, got %d", len(units))
	}
}

// ---------------------------------------------------------------------------
// Text units / embeddings
// ---------------------------------------------------------------------------

func TestInsertAndGetTextUnitsByDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/units.md"))
	if err != nil {
		t.Fatalf("upserting document: %v", err)
	}

	ids, err := s.InsertTextUnits(ctx, []TextUnit{
		{DocumentID: docID, Text: "first chunk", Heading: "Intro", StartChar: 0, EndChar: 11, TokenCount: 2},
		{DocumentID: docID, Text: "second chunk", Heading: "Body", StartChar: 11, EndChar: 23, TokenCount: 2},
	})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}

	units, err := s.GetTextUnitsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("getting text units: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 text units, got %d", len(units))
	}

	unit, err := s.GetTextUnit(ctx, ids[0])
	if err != nil {
		t.Fatalf("getting text unit: %v", err)
	}
	if unit.Text != "first chunk" {
		t.Errorf("text: got %q, want %q", unit.Text, "first chunk")
	}
	if unit.ContentHash == "" {
		t.Error("expected InsertTextUnits to compute a content hash")
	}
}

func TestDeleteTextUnits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/del.md"))
	ids, err := s.InsertTextUnits(ctx, []TextUnit{
		{DocumentID: docID, Text: "keep me"},
		{DocumentID: docID, Text: "drop me"},
	})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}

	if err := s.DeleteTextUnits(ctx, []int64{ids[1]}); err != nil {
		t.Fatalf("deleting text units: %v", err)
	}

	units, err := s.GetTextUnitsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("listing text units: %v", err)
	}
	if len(units) != 1 || units[0].ID != ids[0] {
		t.Errorf("expected only the kept unit to remain, got %+v", units)
	}
}

func TestSyncMentionCountsRepairsAfterChunkDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/sync.md"))
	ids, err := s.InsertTextUnits(ctx, []TextUnit{
		{DocumentID: docID, Text: "unit a"},
		{DocumentID: docID, Text: "unit b"},
	})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}

	entID, err := s.UpsertEntityAndMention(ctx, "shared", "CONCEPT", "", 0.9, ids[0])
	if err != nil {
		t.Fatalf("upserting entity: %v", err)
	}
	if _, err := s.UpsertEntityAndMention(ctx, "shared", "CONCEPT", "", 0.9, ids[1]); err != nil {
		t.Fatalf("upserting second mention: %v", err)
	}

	if err := s.DeleteTextUnits(ctx, []int64{ids[1]}); err != nil {
		t.Fatalf("deleting text unit: %v", err)
	}

	ent, err := s.GetEntity(ctx, entID)
	if err != nil {
		t.Fatalf("getting entity: %v", err)
	}
	if ent.MentionCount != 2 {
		t.Fatalf("expected stale mention_count of 2 before sync, got %d", ent.MentionCount)
	}

	if err := s.SyncMentionCounts(ctx, []int64{entID}); err != nil {
		t.Fatalf("syncing mention counts: %v", err)
	}

	ent, err = s.GetEntity(ctx, entID)
	if err != nil {
		t.Fatalf("getting entity after sync: %v", err)
	}
	if ent.MentionCount != 1 {
		t.Errorf("expected mention_count synced down to 1, got %d", ent.MentionCount)
	}
}

func TestDeleteEntitiesCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b, unitID := setupTriple(t, s, ctx)
	if _, err := s.UpsertRelationship(ctx, Relationship{
		SourceEntityID:   a,
		TargetEntityID:   b,
		RelationType:     "RELATED_TO",
		Weight:           1.0,
		SourceTextUnitID: &unitID,
	}); err != nil {
		t.Fatalf("upserting relationship: %v", err)
	}

	if err := s.DeleteEntities(ctx, []int64{a}); err != nil {
		t.Fatalf("deleting entity: %v", err)
	}

	if ent, err := s.GetEntity(ctx, a); err == nil && ent != nil {
		t.Errorf("expected deleted entity to be gone, got %+v", ent)
	}
	rels, err := s.AllRelationships(ctx)
	if err != nil {
		t.Fatalf("listing relationships: %v", err)
	}
	for _, r := range rels {
		if r.SourceEntityID == a || r.TargetEntityID == a {
			t.Errorf("expected relationship referencing deleted entity to cascade-delete, got %+v", r)
		}
	}
}

func TestInsertEmbeddingAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/vec.md"))
	ids, err := s.InsertTextUnits(ctx, []TextUnit{
		{DocumentID: docID, Text: "a chunk about boilers", Heading: "Boilers"},
	})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}

	vec := []float32{1, 0, 0, 0}
	if err := s.InsertEmbedding(ctx, ids[0], vec); err != nil {
		t.Fatalf("inserting embedding: %v", err)
	}

	results, err := s.VectorSearch(ctx, vec, 5)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].TextUnitID != ids[0] {
		t.Errorf("expected match on the inserted unit, got %d", results[0].TextUnitID)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected near-identical vector to score ~1.0, got %v", results[0].Score)
	}
}

func TestFTSSearchFindsIndexedText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/fts.md"))
	_, err := s.InsertTextUnits(ctx, []TextUnit{
		{DocumentID: docID, Text: "the pressure vessel must withstand 200 psi"},
	})
	if err != nil {
		t.Fatalf("inserting text units: %v", err)
	}

	results, err := s.FTSSearch(ctx, "pressure", 5)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 fts result, got %d", len(results))
	}
}

// ---------------------------------------------------------------------------
// Entities / mentions
// ---------------------------------------------------------------------------

func TestUpsertEntityAndMention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/ent.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "the boiler runs hot"}})

	id, err := s.UpsertEntityAndMention(ctx, "Boiler", "equipment", "a heating vessel", 0.9, unitIDs[0])
	if err != nil {
		t.Fatalf("upserting entity: %v", err)
	}

	got, err := s.GetEntity(ctx, id)
	if err != nil {
		t.Fatalf("getting entity: %v", err)
	}
	if got.Name != "Boiler" || got.MentionCount != 1 {
		t.Errorf("expected Boiler with mention_count=1, got %+v", got)
	}

	// Re-mentioning in the same text unit must not double-count (INSERT OR IGNORE on mentions).
	if _, err := s.UpsertEntityAndMention(ctx, "Boiler", "equipment", "a heating vessel", 0.9, unitIDs[0]); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetEntity(ctx, id)
	if got.MentionCount != 1 {
		t.Errorf("expected mention_count to stay 1 on duplicate mention, got %d", got.MentionCount)
	}
}

func TestGetEntitiesByNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/names.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "tank and pump"}})
	s.UpsertEntityAndMention(ctx, "Tank", "equipment", "", 0.8, unitIDs[0])
	s.UpsertEntityAndMention(ctx, "Pump", "equipment", "", 0.8, unitIDs[0])

	entities, err := s.GetEntitiesByNames(ctx, []string{"Tank", "Pump", "Missing"})
	if err != nil {
		t.Fatalf("getting entities by names: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(entities))
	}
}

func TestSearchEntitiesByTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/terms.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "pressure vessel"}})
	s.UpsertEntityAndMention(ctx, "Pressure Vessel", "equipment", "", 0.8, unitIDs[0])

	entities, err := s.SearchEntitiesByTerms(ctx, []string{"pressure"}, 10)
	if err != nil {
		t.Fatalf("searching entities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("expected 1 match, got %d", len(entities))
	}
}

func TestAllEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/all.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "x"}})
	s.UpsertEntityAndMention(ctx, "A", "t", "", 0.5, unitIDs[0])
	s.UpsertEntityAndMention(ctx, "B", "t", "", 0.5, unitIDs[0])

	entities, err := s.AllEntities(ctx)
	if err != nil {
		t.Fatalf("listing all entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}

func TestMergeEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/merge.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "tank info"}})

	primary, err := s.UpsertEntityAndMention(ctx, "Tank", "equipment", "", 0.7, unitIDs[0])
	if err != nil {
		t.Fatalf("upserting primary: %v", err)
	}
	dup, err := s.UpsertEntityAndMention(ctx, "Storage Tank", "equipment", "", 0.7, unitIDs[0])
	if err != nil {
		t.Fatalf("upserting duplicate: %v", err)
	}

	if err := s.MergeEntities(ctx, primary, []int64{dup}, "Tank"); err != nil {
		t.Fatalf("merging entities: %v", err)
	}

	if _, err := s.GetEntity(ctx, dup); err != sql.ErrNoRows {
		t.Errorf("expected duplicate entity to be removed, got err=%v", err)
	}
	merged, err := s.GetEntity(ctx, primary)
	if err != nil {
		t.Fatalf("getting merged entity: %v", err)
	}
	found := false
	for _, a := range merged.Aliases {
		if a == "Storage Tank" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected merged entity to carry the duplicate's name as an alias, got %v", merged.Aliases)
	}
}

func TestMergeEntitiesIdempotentOnEmptyDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/merge2.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "x"}})
	primary, _ := s.UpsertEntityAndMention(ctx, "Solo", "t", "", 0.5, unitIDs[0])

	if err := s.MergeEntities(ctx, primary, []int64{primary}, "Solo"); err != nil {
		t.Fatalf("expected no-op merge to succeed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Relationships / graph traversal
// ---------------------------------------------------------------------------

func setupTriple(t *testing.T, s *Store, ctx context.Context) (a, b int64, unitID int64) {
	t.Helper()
	docID, _ := s.UpsertDocument(ctx, sampleDoc("/docs/rel.md"))
	unitIDs, _ := s.InsertTextUnits(ctx, []TextUnit{{DocumentID: docID, Text: "the pump feeds the tank"}})
	unitID = unitIDs[0]
	a, _ = s.UpsertEntityAndMention(ctx, "Pump", "equipment", "", 0.8, unitID)
	b, _ = s.UpsertEntityAndMention(ctx, "Tank", "equipment", "", 0.8, unitID)
	return a, b, unitID
}

func TestUpsertRelationshipMergesOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, unitID := setupTriple(t, s, ctx)

	id1, err := s.UpsertRelationship(ctx, Relationship{
		SourceEntityID: a, TargetEntityID: b, RelationType: "feeds",
		Weight: 0.5, Confidence: 0.6, SourceTextUnitID: &unitID,
	})
	if err != nil {
		t.Fatalf("inserting relationship: %v", err)
	}

	id2, err := s.UpsertRelationship(ctx, Relationship{
		SourceEntityID: a, TargetEntityID: b, RelationType: "feeds",
		Weight: 0.9, Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("merging relationship: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same relationship id on merge, got %d and %d", id1, id2)
	}

	rels, err := s.AllRelationships(ctx)
	if err != nil {
		t.Fatalf("listing relationships: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].Weight != 0.9 {
		t.Errorf("expected merged weight to be the max (0.9), got %v", rels[0].Weight)
	}
	if rels[0].Confidence != 0.6 {
		t.Errorf("expected merged confidence to be the max (0.6), got %v", rels[0].Confidence)
	}
}

func TestGetRelatedEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, unitID := setupTriple(t, s, ctx)
	s.UpsertRelationship(ctx, Relationship{SourceEntityID: a, TargetEntityID: b, RelationType: "feeds", Weight: 0.5, Confidence: 0.5, SourceTextUnitID: &unitID})

	related, err := s.GetRelatedEntities(ctx, []int64{a}, 10)
	if err != nil {
		t.Fatalf("getting related entities: %v", err)
	}
	if len(related) != 1 || related[0].ID != b {
		t.Errorf("expected only Tank related to Pump, got %+v", related)
	}
}

func TestTextUnitsMentioningAndEntitiesMentionedIn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, unitID := setupTriple(t, s, ctx)

	units, err := s.TextUnitsMentioning(ctx, []int64{a, b})
	if err != nil {
		t.Fatalf("TextUnitsMentioning: %v", err)
	}
	if len(units) != 1 || units[0] != unitID {
		t.Errorf("expected the shared text unit, got %v", units)
	}

	entities, err := s.EntitiesMentionedIn(ctx, []int64{unitID}, 10)
	if err != nil {
		t.Fatalf("EntitiesMentionedIn: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected both entities mentioned in the unit, got %d", len(entities))
	}
}

func TestTextUnitMentionCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, unitID := setupTriple(t, s, ctx)

	counts, err := s.TextUnitMentionCounts(ctx, []int64{a, b})
	if err != nil {
		t.Fatalf("TextUnitMentionCounts: %v", err)
	}
	if counts[unitID] != 2 {
		t.Errorf("expected 2 distinct entity mentions in the unit, got %d", counts[unitID])
	}
}

func TestMentionExcerpts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _, _ := setupTriple(t, s, ctx)

	excerpts, err := s.MentionExcerpts(ctx, a, 5)
	if err != nil {
		t.Fatalf("MentionExcerpts: %v", err)
	}
	if len(excerpts) != 1 {
		t.Fatalf("expected 1 excerpt, got %d", len(excerpts))
	}
}

// ---------------------------------------------------------------------------
// Claims
// ---------------------------------------------------------------------------

func TestUpsertClaimAndClaimsAbout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, unitID := setupTriple(t, s, ctx)

	claim := Claim{
		ID: "claim-1", SubjectEntityID: a, SubjectName: "Pump", ObjectEntityID: &b, ObjectName: "Tank",
		ClaimType: "supplies", Status: ClaimTrue, Description: "the pump feeds the tank",
		SourceText: "the pump feeds the tank",
	}
	if err := s.UpsertClaim(ctx, claim); err != nil {
		t.Fatalf("upserting claim: %v", err)
	}
	if err := s.LinkClaimToTextUnit(ctx, claim.ID, unitID); err != nil {
		t.Fatalf("linking claim source: %v", err)
	}

	// Re-inserting increments occurrence_count rather than erroring.
	if err := s.UpsertClaim(ctx, claim); err != nil {
		t.Fatalf("re-upserting claim: %v", err)
	}

	claims, err := s.ClaimsAbout(ctx, []int64{a}, 10)
	if err != nil {
		t.Fatalf("ClaimsAbout: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if claims[0].OccurrenceCount != 2 {
		t.Errorf("expected occurrence_count=2 after re-insert, got %d", claims[0].OccurrenceCount)
	}
}

// ---------------------------------------------------------------------------
// Communities
// ---------------------------------------------------------------------------

func TestCommunityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b, _ := setupTriple(t, s, ctx)

	communityID, err := s.InsertCommunity(ctx, Community{
		Level: 0, Title: "Pump System", Summary: "pump and tank",
		Themes: []string{"equipment"}, Significance: "medium",
		Findings: []Finding{{Summary: "works", Explanation: "fine"}},
	})
	if err != nil {
		t.Fatalf("inserting community: %v", err)
	}

	if err := s.AssignCommunity(ctx, a, communityID, 0, 0.9); err != nil {
		t.Fatalf("assigning community: %v", err)
	}
	if err := s.AssignCommunity(ctx, b, communityID, 0, 0.9); err != nil {
		t.Fatalf("assigning community: %v", err)
	}

	communities, err := s.GetCommunities(ctx, 0)
	if err != nil {
		t.Fatalf("getting communities: %v", err)
	}
	if len(communities) != 1 {
		t.Fatalf("expected 1 community at level 0, got %d", len(communities))
	}
	if communities[0].Themes[0] != "equipment" {
		t.Errorf("expected theme 'equipment', got %v", communities[0].Themes)
	}

	members, err := s.CommunityMembers(ctx, communityID, 10)
	if err != nil {
		t.Fatalf("getting community members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	ids, err := s.CommunitiesForEntities(ctx, []int64{a}, 0)
	if err != nil {
		t.Fatalf("CommunitiesForEntities: %v", err)
	}
	if len(ids) != 1 || ids[0] != communityID {
		t.Errorf("expected community %d, got %v", communityID, ids)
	}

	if err := s.UpdateCommunityReport(ctx, communityID, Community{
		Title: "Pump System v2", Summary: "updated", Significance: "high",
	}); err != nil {
		t.Fatalf("updating community report: %v", err)
	}
	updated, _ := s.GetCommunities(ctx, 0)
	if updated[0].Title != "Pump System v2" {
		t.Errorf("expected updated title, got %q", updated[0].Title)
	}

	if err := s.ClearCommunities(ctx); err != nil {
		t.Fatalf("clearing communities: %v", err)
	}
	cleared, err := s.AllCommunities(ctx)
	if err != nil {
		t.Fatalf("listing communities: %v", err)
	}
	if len(cleared) != 0 {
		t.Errorf("expected no communities after clear, got %d", len(cleared))
	}
}

func TestDeleteOrphanCommunities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orphanID, err := s.InsertCommunity(ctx, Community{Level: 0, Title: "Orphan"})
	if err != nil {
		t.Fatalf("inserting community: %v", err)
	}
	if err := s.DeleteOrphanCommunities(ctx); err != nil {
		t.Fatalf("deleting orphans: %v", err)
	}
	communities, err := s.AllCommunities(ctx)
	if err != nil {
		t.Fatalf("listing communities: %v", err)
	}
	for _, c := range communities {
		if c.ID == orphanID {
			t.Errorf("expected orphan community %d to be deleted", orphanID)
		}
	}
}

// ---------------------------------------------------------------------------
// Query log / cache / stats
// ---------------------------------------------------------------------------

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.LogQuery(ctx, QueryLog{
		Mode: "local", Query: "what is X?", Answer: "X is Y", Confidence: 0.8,
		Citations: []int64{1, 2}, ModelUsed: "test-model",
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	})
	if err != nil {
		t.Fatalf("logging query: %v", err)
	}
}

func TestCacheGetPut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.CacheGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}

	if err := s.CachePut(ctx, "key1", "cached response"); err != nil {
		t.Fatalf("caching response: %v", err)
	}
	resp, ok, err := s.CacheGet(ctx, "key1")
	if err != nil {
		t.Fatalf("getting cached response: %v", err)
	}
	if !ok || resp != "cached response" {
		t.Errorf("expected cache hit with stored response, got ok=%v resp=%q", ok, resp)
	}
}

func TestGraphStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	setupTriple(t, s, ctx)

	stats, err := s.GraphStats(ctx)
	if err != nil {
		t.Fatalf("getting graph stats: %v", err)
	}
	if stats.Documents != 1 || stats.TextUnits != 1 || stats.Entities != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func TestBeginSessionCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.BeginSession(ctx)
	if err != nil {
		t.Fatalf("beginning session: %v", err)
	}
	defer session.Close()

	if err := session.Commit(); err != nil {
		t.Fatalf("committing session: %v", err)
	}
}

// Package store implements the Graph Store: the sole owner of mutation
// for the typed property graph (documents, text units, entities,
// relationships, claims, communities, and their edges).
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrEmptyEntityName is returned by UpsertEntity/UpsertEntityAndMention
// when asked to MERGE an entity with an empty name, an invariant
// violation the graph store refuses to persist. Callers at the
// package boundary classify it with their own error taxonomy.
var ErrEmptyEntityName = errors.New("store: cannot upsert entity with empty name")

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"`
	Metadata    string `json:"metadata,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Document status values, per the lifecycle in the data model.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// TextUnit represents a row in the text_units table: one ordered,
// character-offset-addressed chunk of a document.
type TextUnit struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	Text        string `json:"text"`
	Heading     string `json:"heading"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	TokenCount  int    `json:"token_count"`
	ContentHash string `json:"content_hash"`
}

// Entity represents a row in the entities table.
type Entity struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	EntityType   string   `json:"entity_type"`
	Description  string   `json:"description"`
	MentionCount int      `json:"mention_count"`
	Confidence   float64  `json:"confidence"`
	Aliases      []string `json:"aliases"`
}

// Relationship represents a RELATED_TO row in the relationships table.
type Relationship struct {
	ID              int64   `json:"id"`
	SourceEntityID  int64   `json:"source_entity_id"`
	TargetEntityID  int64   `json:"target_entity_id"`
	RelationType    string  `json:"relation_type"`
	Weight          float64 `json:"weight"`
	Confidence      float64 `json:"confidence"`
	Description     string  `json:"description"`
	SourceTextUnitID *int64 `json:"source_text_unit_id,omitempty"`
}

// Claim represents a row in the claims table.
type Claim struct {
	ID              string `json:"id"`
	SubjectEntityID int64  `json:"subject_entity_id"`
	SubjectName     string `json:"subject_name"`
	ObjectEntityID  *int64 `json:"object_entity_id,omitempty"`
	ObjectName      string `json:"object_name,omitempty"`
	ClaimType       string `json:"claim_type"`
	Status          string `json:"status"` // TRUE, FALSE, SUSPECTED
	Description     string `json:"description"`
	StartDate       string `json:"start_date,omitempty"`
	EndDate         string `json:"end_date,omitempty"`
	SourceText      string `json:"source_text"`
	OccurrenceCount int    `json:"occurrence_count"`
}

// Claim status values.
const (
	ClaimTrue      = "TRUE"
	ClaimFalse     = "FALSE"
	ClaimSuspected = "SUSPECTED"
)

// Community represents a row in the communities table.
type Community struct {
	ID                int64    `json:"id"`
	Level             int      `json:"level"`
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	Rating            float64  `json:"rating"`
	RatingExplanation string   `json:"rating_explanation"`
	Themes            []string `json:"themes"`
	Significance      string   `json:"significance"` // high, medium, low
	Findings          []Finding `json:"findings"`
	Rank              float64  `json:"rank"`
}

// Finding is one item of a community report's findings list.
type Finding struct {
	Summary     string `json:"summary"`
	Explanation string `json:"explanation"`
}

// QueryLog represents a row in the query_log audit table.
type QueryLog struct {
	Mode             string      `json:"mode"` // local, community, global, tog
	Query            string      `json:"query"`
	Answer           string      `json:"answer"`
	Confidence       float64     `json:"confidence"`
	Citations        interface{} `json:"citations"`
	ModelUsed        string      `json:"model_used"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
}

// RetrievalResult holds a text unit with its retrieval score and
// document provenance, as returned by vector/FTS/graph search.
type RetrievalResult struct {
	TextUnitID int64   `json:"text_unit_id"`
	DocumentID int64   `json:"document_id"`
	Text       string  `json:"text"`
	Heading    string  `json:"heading"`
	Path       string  `json:"path"`
	Name       string  `json:"name"`
	Score      float64 `json:"score"`
}

// Store wraps the SQLite database backing the graph. It is the
// exclusive owner of mutation for every node and edge kind in §3.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts or updates a document record. Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (path, name, content_hash, status, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			content_hash = excluded.content_hash,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Path, doc.Name, doc.ContentHash, doc.Status, doc.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := s.db.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, path, name, content_hash, status, metadata, created_at, updated_at
		FROM documents WHERE path = ?
	`, path))
}

// GetDocumentByPathTx is the Session-scoped variant of
// GetDocumentByPath, letting the ingestion controller read the prior
// document row and write its replacement under one transaction.
func (s *Store) GetDocumentByPathTx(ctx context.Context, tx *sql.Tx, path string) (*Document, error) {
	return s.scanDocument(tx.QueryRowContext(ctx, `
		SELECT id, path, name, content_hash, status, metadata, created_at, updated_at
		FROM documents WHERE path = ?
	`, path))
}

// UpsertDocumentTx is the Session-scoped variant of UpsertDocument.
func (s *Store) UpsertDocumentTx(ctx context.Context, tx *sql.Tx, doc Document) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (path, name, content_hash, status, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			content_hash = excluded.content_hash,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Path, doc.Name, doc.ContentHash, doc.Status, doc.Metadata)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx, `
		SELECT id, path, name, content_hash, status, metadata, created_at, updated_at
		FROM documents WHERE id = ?
	`, id))
}

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	if err := row.Scan(&doc.ID, &doc.Path, &doc.Name, &doc.ContentHash,
		&doc.Status, &metadata, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, name, content_hash, status, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Path, &d.Name, &d.ContentHash,
			&d.Status, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// DeleteDocument removes a document, all owned text units, and the
// mentions, relationships and embeddings tied to those units. Pruning
// entities that lose all their mentions, and their community
// memberships, is the caller's responsibility (the
// incremental ingestion controller, §4.4, drives this via the
// resolver so partial deletes don't orphan entities prematurely).
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM mentions WHERE text_unit_id IN (
				SELECT id FROM text_units WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE source_text_unit_id IN (
				SELECT id FROM text_units WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_text_units WHERE text_unit_id IN (
				SELECT id FROM text_units WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM text_units WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}
		return nil
	})
}

// --- TextUnit operations ---

// InsertTextUnits inserts a batch of flat, start_char-ordered text
// units and returns their assigned IDs in the same order.
func (s *Store) InsertTextUnits(ctx context.Context, units []TextUnit) ([]int64, error) {
	ids := make([]int64, len(units))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO text_units (document_id, text, heading, start_char, end_char, token_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, u := range units {
			hash := sha256.Sum256([]byte(u.Text))
			contentHash := hex.EncodeToString(hash[:])
			res, err := stmt.ExecContext(ctx, u.DocumentID, u.Text, u.Heading,
				u.StartChar, u.EndChar, u.TokenCount, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// GetTextUnitsByDocument returns all text units for a document,
// ordered by start_char as the continuity invariant requires.
func (s *Store) GetTextUnitsByDocument(ctx context.Context, docID int64) ([]TextUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, text, heading, start_char, end_char, token_count, content_hash
		FROM text_units WHERE document_id = ? ORDER BY start_char
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []TextUnit
	for rows.Next() {
		var u TextUnit
		if err := rows.Scan(&u.ID, &u.DocumentID, &u.Text, &u.Heading,
			&u.StartChar, &u.EndChar, &u.TokenCount, &u.ContentHash); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// DeleteTextUnits removes specific text units (and cascades to their
// mentions, relationships, and embeddings) by id. Used by the
// incremental ingestion controller to drop only the chunks whose
// content hash no longer matches.
func (s *Store) DeleteTextUnits(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph := "?" + strings.Repeat(",?", len(ids)-1)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mentions WHERE text_unit_id IN ("+ph+")", args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM relationships WHERE source_text_unit_id IN ("+ph+")", args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_text_units WHERE text_unit_id IN ("+ph+")", args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM text_units WHERE id IN ("+ph+")", args...); err != nil {
			return err
		}
		return nil
	})
}

// SyncMentionCounts recomputes entities.mention_count from the live
// mentions table for the given entities. mention_count is otherwise
// only ever incremented (by UpsertEntity and UpsertEntityAndMention); this repairs it
// after DeleteTextUnits cascades away mentions rows for chunks that no
// longer exist.
func (s *Store) SyncMentionCounts(ctx context.Context, entityIDs []int64) error {
	if len(entityIDs) == 0 {
		return nil
	}
	ph := "?" + strings.Repeat(",?", len(entityIDs)-1)
	args := make([]interface{}, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE entities SET mention_count = (
			SELECT COUNT(*) FROM mentions WHERE mentions.entity_id = entities.id
		) WHERE id IN (`+ph+`)`, args...)
	return err
}

// DeleteEntities removes entities by id, relying on foreign-key
// cascades to clean up their relationships, mentions, claims, and
// community assignments. Used by the incremental ingestion controller
// to prune entities a chunk deletion leaves with no surviving mention,
// claim, or relationship.
func (s *Store) DeleteEntities(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph := "?" + strings.Repeat(",?", len(ids)-1)
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id IN ("+ph+")", args...)
	return err
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a text unit.
func (s *Store) InsertEmbedding(ctx context.Context, textUnitID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_text_units (text_unit_id, embedding) VALUES (?, ?)",
		textUnitID, serializeFloat32(embedding))
	return err
}

// VectorSearch performs a KNN search returning the top-k nearest text units.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.text_unit_id, v.distance,
			t.text, t.heading, t.document_id, d.name, d.path
		FROM vec_text_units v
		JOIN text_units t ON t.id = v.text_unit_id
		JOIN documents d ON d.id = t.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.TextUnitID, &distance, &r.Text, &r.Heading,
			&r.DocumentID, &r.Name, &r.Path); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]RetrievalResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			t.text, t.heading, t.document_id, d.name, d.path
		FROM text_units_fts f
		JOIN text_units t ON t.id = f.rowid
		JOIN documents d ON d.id = t.document_id
		WHERE text_units_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var rank float64
		if err := rows.Scan(&r.TextUnitID, &rank, &r.Text, &r.Heading,
			&r.DocumentID, &r.Name, &r.Path); err != nil {
			return nil, err
		}
		r.Score = -rank // FTS5 rank is negative; lower is better
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Entity operations ---

// UpsertEntity inserts or updates an entity, per the MERGE semantics
// in §4.5: mention_count is incremented, confidence set to the max of
// stored and new, description appended with a separator if distinct.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, description string, confidence float64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertEntityTx(ctx, tx, name, entityType, description, confidence)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE entities SET mention_count = mention_count + 1 WHERE id = ?", id)
		return err
	})
	return id, err
}

func upsertEntityTx(ctx context.Context, tx *sql.Tx, name, entityType, description string, confidence float64) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, ErrEmptyEntityName
	}
	var id int64
	var existingDesc string
	var existingConf float64
	err := tx.QueryRowContext(ctx,
		"SELECT id, COALESCE(description, ''), confidence FROM entities WHERE name = ? AND entity_type = ?",
		name, entityType).Scan(&id, &existingDesc, &existingConf)

	if err == sql.ErrNoRows {
		aliases, _ := json.Marshal([]string{})
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entities (name, entity_type, description, mention_count, confidence, aliases)
			VALUES (?, ?, ?, 0, ?, ?)
		`, name, entityType, description, confidence, string(aliases))
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, err
	}

	newDesc := existingDesc
	if description != "" && !strings.Contains(existingDesc, description) {
		if newDesc == "" {
			newDesc = description
		} else {
			newDesc = newDesc + " | " + description
		}
	}
	newConf := math.Max(existingConf, confidence)

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET description = ?, confidence = ?, mention_count = mention_count
		WHERE id = ?
	`, newDesc, newConf, id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertEntityAndMention atomically upserts an entity and records a
// MENTIONS edge (TextUnit -> Entity). mention_count is incremented
// exactly once per (entity, text unit) pair, satisfying the
// idempotent-mention-count invariant in §3.
func (s *Store) UpsertEntityAndMention(ctx context.Context, name, entityType, description string, confidence float64, textUnitID int64) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertEntityTx(ctx, tx, name, entityType, description, confidence)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO mentions (text_unit_id, entity_id) VALUES (?, ?)",
			textUnitID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			_, err = tx.ExecContext(ctx,
				"UPDATE entities SET mention_count = mention_count + 1 WHERE id = ?", id)
		}
		return err
	})
	return id, err
}

// GetEntity retrieves a single entity by ID.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities WHERE id = ?", id)
	return scanEntity(row)
}

func scanEntity(row *sql.Row) (*Entity, error) {
	var e Entity
	var aliasesJSON string
	if err := row.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description, &e.MentionCount, &e.Confidence, &aliasesJSON); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(aliasesJSON), &e.Aliases)
	return &e, nil
}

// GetEntitiesByNames returns entities matching any of the given names.
func (s *Store) GetEntitiesByNames(ctx context.Context, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query := "SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities WHERE name IN (?" +
		repeatPlaceholders(len(names)-1) + ")"
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	return s.queryEntities(ctx, query, args...)
}

// SearchEntitiesByTerms finds entities whose names contain any of the
// given terms as substrings.
func (s *Store) SearchEntitiesByTerms(ctx context.Context, terms []string, limit int) ([]Entity, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 50
	}
	var conditions []string
	var args []interface{}
	for _, t := range terms {
		if len(t) < 4 {
			continue
		}
		conditions = append(conditions, "name LIKE ?")
		args = append(args, "%"+t+"%")
	}
	if len(conditions) == 0 {
		return nil, nil
	}
	query := "SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities WHERE " +
		strings.Join(conditions, " OR ") + " LIMIT ?"
	args = append(args, limit)
	return s.queryEntities(ctx, query, args...)
}

// AllEntities returns every entity in the database.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	return s.queryEntities(ctx,
		"SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities")
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...interface{}) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var aliasesJSON string
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &e.Description, &e.MentionCount, &e.Confidence, &aliasesJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(aliasesJSON), &e.Aliases)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// MergeEntities folds duplicate entities into primaryID: sums
// mention_counts, unions aliases (including the duplicates' own
// names), rewires every inbound/outbound relationship, mention, and
// claim reference to the primary, then deletes the duplicates. The
// whole operation runs in one transaction so a failure leaves no
// edge referencing a half-deleted entity (§8.10).
func (s *Store) MergeEntities(ctx context.Context, primaryID int64, duplicateIDs []int64, canonicalName string) error {
	duplicateIDs = dedupeInt64(duplicateIDs, primaryID)
	if len(duplicateIDs) == 0 {
		return nil // idempotent: nothing to merge
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		primary, err := scanEntity(tx.QueryRowContext(ctx,
			"SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities WHERE id = ?", primaryID))
		if err != nil {
			return err
		}

		aliasSet := map[string]struct{}{}
		for _, a := range primary.Aliases {
			aliasSet[a] = struct{}{}
		}
		totalMentions := primary.MentionCount

		for _, dupID := range duplicateIDs {
			dup, err := scanEntity(tx.QueryRowContext(ctx,
				"SELECT id, name, entity_type, COALESCE(description,''), mention_count, confidence, aliases FROM entities WHERE id = ?", dupID))
			if err == sql.ErrNoRows {
				continue // already merged away: idempotent no-op for this id
			}
			if err != nil {
				return err
			}

			aliasSet[dup.Name] = struct{}{}
			for _, a := range dup.Aliases {
				aliasSet[a] = struct{}{}
			}
			totalMentions += dup.MentionCount

			// Rewire relationships, preferring to keep the existing primary
			// edge on conflict (UNIQUE(source,target,type)).
			if _, err := tx.ExecContext(ctx,
				"UPDATE OR IGNORE relationships SET source_entity_id = ? WHERE source_entity_id = ?", primaryID, dupID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE OR IGNORE relationships SET target_entity_id = ? WHERE target_entity_id = ?", primaryID, dupID); err != nil {
				return err
			}
			// Drop any relationship rows still pointing at the duplicate
			// (these lost the UPDATE OR IGNORE race against an existing
			// primary edge of the same (source,target,type)).
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?", dupID, dupID); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				"UPDATE OR IGNORE mentions SET entity_id = ? WHERE entity_id = ?", primaryID, dupID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM mentions WHERE entity_id = ?", dupID); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				"UPDATE claims SET subject_entity_id = ?, subject_name = ? WHERE subject_entity_id = ?",
				primaryID, canonicalName, dupID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE claims SET object_entity_id = ?, object_name = ? WHERE object_entity_id = ?",
				primaryID, canonicalName, dupID); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM in_community WHERE entity_id = ?", dupID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", dupID); err != nil {
				return err
			}
		}

		aliases := make([]string, 0, len(aliasSet))
		for a := range aliasSet {
			if a != canonicalName {
				aliases = append(aliases, a)
			}
		}
		aliasesJSON, _ := json.Marshal(aliases)

		_, err = tx.ExecContext(ctx,
			"UPDATE entities SET name = ?, mention_count = ?, aliases = ? WHERE id = ?",
			canonicalName, totalMentions, string(aliasesJSON), primaryID)
		return err
	})
}

func dedupeInt64(ids []int64, exclude int64) []int64 {
	seen := map[int64]struct{}{exclude: {}}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// --- Relationship operations ---

// UpsertRelationship creates or strengthens a RELATED_TO edge, per
// the MERGE semantics in §4.5: max of stored and new weight.
func (s *Store) UpsertRelationship(ctx context.Context, r Relationship) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingWeight, existingConf float64
		err := tx.QueryRowContext(ctx,
			"SELECT id, weight, confidence FROM relationships WHERE source_entity_id = ? AND target_entity_id = ? AND relation_type = ?",
			r.SourceEntityID, r.TargetEntityID, r.RelationType).Scan(&id, &existingWeight, &existingConf)

		if err == sql.ErrNoRows {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO relationships (source_entity_id, target_entity_id, relation_type, weight, confidence, description, source_text_unit_id)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, r.SourceEntityID, r.TargetEntityID, r.RelationType, r.Weight, r.Confidence, r.Description, r.SourceTextUnitID)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE relationships SET weight = ?, confidence = ? WHERE id = ?",
			math.Max(existingWeight, r.Weight), math.Max(existingConf, r.Confidence), id)
		return err
	})
	return id, err
}

// AllRelationships returns every RELATED_TO edge in the database.
func (s *Store) AllRelationships(ctx context.Context) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_entity_id, target_entity_id, relation_type, weight, confidence, COALESCE(description,'')
		FROM relationships
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Weight, &r.Confidence, &r.Description); err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// GetRelatedEntities performs a 1-hop expansion from the given seed
// entity IDs, returning entities directly connected but not already
// in the seed set.
func (s *Store) GetRelatedEntities(ctx context.Context, entityIDs []int64, limit int) ([]Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 100
	}
	ph := "?" + repeatPlaceholders(len(entityIDs)-1)
	query := `
		SELECT DISTINCT e.id, e.name, e.entity_type, COALESCE(e.description,''), e.mention_count, e.confidence, e.aliases
		FROM entities e
		JOIN relationships r ON (e.id = r.target_entity_id OR e.id = r.source_entity_id)
		WHERE (r.source_entity_id IN (` + ph + `) OR r.target_entity_id IN (` + ph + `))
		  AND e.id NOT IN (` + ph + `)
		LIMIT ?`

	args := make([]interface{}, 0, len(entityIDs)*3+1)
	for i := 0; i < 3; i++ {
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)
	return s.queryEntities(ctx, query, args...)
}

// GraphSearch finds text units reachable via entity mentions, ranked
// by the strongest relationship weight touching the mentioning entity.
func (s *Store) GraphSearch(ctx context.Context, entityIDs []int64, limit int) ([]RetrievalResult, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT DISTINCT m.text_unit_id, COALESCE(MAX(r.weight), 0.5),
			t.text, t.heading, t.document_id, d.name, d.path
		FROM mentions m
		LEFT JOIN relationships r ON r.source_entity_id = m.entity_id OR r.target_entity_id = m.entity_id
		JOIN text_units t ON t.id = m.text_unit_id
		JOIN documents d ON d.id = t.document_id
		WHERE m.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)
		GROUP BY m.text_unit_id
		ORDER BY COALESCE(MAX(r.weight), 0.5) DESC
		LIMIT ?`

	args := make([]interface{}, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		if err := rows.Scan(&r.TextUnitID, &r.Score, &r.Text, &r.Heading,
			&r.DocumentID, &r.Name, &r.Path); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// TextUnitsMentioning returns the distinct text unit IDs that mention
// any of the given entities.
func (s *Store) TextUnitsMentioning(ctx context.Context, entityIDs []int64) ([]int64, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT text_unit_id FROM mentions WHERE entity_id IN (?"+repeatPlaceholders(len(entityIDs)-1)+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EntitiesMentionedIn returns the distinct entities mentioned by any
// of the given text units, ordered by mention_count descending (the
// reverse lookup of TextUnitsMentioning, used to turn a ranked list
// of text units into a ranked list of entity candidates).
func (s *Store) EntitiesMentionedIn(ctx context.Context, textUnitIDs []int64, limit int) ([]Entity, error) {
	if len(textUnitIDs) == 0 {
		return nil, nil
	}
	if limit == 0 {
		limit = 50
	}
	args := make([]interface{}, 0, len(textUnitIDs)+1)
	for _, id := range textUnitIDs {
		args = append(args, id)
	}
	args = append(args, limit)
	return s.queryEntities(ctx, `
		SELECT DISTINCT e.id, e.name, e.entity_type, COALESCE(e.description,''), e.mention_count, e.confidence, e.aliases
		FROM entities e
		JOIN mentions m ON m.entity_id = e.id
		WHERE m.text_unit_id IN (?`+repeatPlaceholders(len(textUnitIDs)-1)+`)
		ORDER BY e.mention_count DESC
		LIMIT ?`, args...)
}

// TextUnitMentionCounts returns, for every text unit mentioning at
// least one of entityIDs, how many of those entities it mentions.
// Used to rank enrichment text units by relevance to a frontier of
// entities (more frontier entities mentioned = more relevant).
func (s *Store) TextUnitMentionCounts(ctx context.Context, entityIDs []int64) (map[int64]int, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(entityIDs))
	for i, id := range entityIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT text_unit_id, COUNT(DISTINCT entity_id)
		FROM mentions WHERE entity_id IN (?`+repeatPlaceholders(len(entityIDs)-1)+`)
		GROUP BY text_unit_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// MentionExcerpts returns up to `limit` text-unit excerpts that
// mention the given entity, most recent first, for ToG triplet
// source_texts.
func (s *Store) MentionExcerpts(ctx context.Context, entityID int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.text FROM mentions m
		JOIN text_units t ON t.id = m.text_unit_id
		WHERE m.entity_id = ?
		ORDER BY t.id DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// GetTextUnit fetches a single text unit by id.
func (s *Store) GetTextUnit(ctx context.Context, id int64) (*TextUnit, error) {
	var u TextUnit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, text, heading, start_char, end_char, token_count, content_hash
		FROM text_units WHERE id = ?`, id).
		Scan(&u.ID, &u.DocumentID, &u.Text, &u.Heading, &u.StartChar, &u.EndChar, &u.TokenCount, &u.ContentHash)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// --- Claim operations ---

// UpsertClaim inserts or strengthens a claim (MERGE on its content-hash id).
func (s *Store) UpsertClaim(ctx context.Context, c Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (id, subject_entity_id, subject_name, object_entity_id, object_name,
			claim_type, status, description, start_date, end_date, source_text, occurrence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET occurrence_count = occurrence_count + 1
	`, c.ID, c.SubjectEntityID, c.SubjectName, c.ObjectEntityID, nullableString(c.ObjectName),
		c.ClaimType, c.Status, c.Description, nullableString(c.StartDate), nullableString(c.EndDate), c.SourceText)
	return err
}

// LinkClaimToTextUnit records SOURCED_FROM.
func (s *Store) LinkClaimToTextUnit(ctx context.Context, claimID string, textUnitID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO claim_sources (claim_id, text_unit_id) VALUES (?, ?)", claimID, textUnitID)
	return err
}

// ClaimsAbout returns claims where the given entity is subject or object,
// used by the community summarizer for grounding samples.
func (s *Store) ClaimsAbout(ctx context.Context, entityIDs []int64, limit int) ([]Claim, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(entityIDs)*2+1)
	for i := 0; i < 2; i++ {
		for _, id := range entityIDs {
			args = append(args, id)
		}
	}
	args = append(args, limit)
	ph := "?" + repeatPlaceholders(len(entityIDs)-1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_entity_id, subject_name, object_entity_id, COALESCE(object_name,''),
			claim_type, status, COALESCE(description,''), COALESCE(start_date,''), COALESCE(end_date,''),
			COALESCE(source_text,''), occurrence_count
		FROM claims WHERE subject_entity_id IN (`+ph+`) OR object_entity_id IN (`+ph+`)
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.SubjectEntityID, &c.SubjectName, &c.ObjectEntityID, &c.ObjectName,
			&c.ClaimType, &c.Status, &c.Description, &c.StartDate, &c.EndDate, &c.SourceText, &c.OccurrenceCount); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// --- Community operations ---

// ClearCommunities removes all community data (used before a full
// detection re-run).
func (s *Store) ClearCommunities(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM in_community"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM community_parents"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM communities")
		return err
	})
}

// InsertCommunity stores a community detection result and returns its id.
func (s *Store) InsertCommunity(ctx context.Context, c Community) (int64, error) {
	themesJSON, _ := json.Marshal(c.Themes)
	findingsJSON, _ := json.Marshal(c.Findings)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO communities (level, title, summary, rating, rating_explanation, themes, significance, findings, rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Level, c.Title, c.Summary, c.Rating, c.RatingExplanation, string(themesJSON), c.Significance, string(findingsJSON), c.Rank)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AssignCommunity records an IN_COMMUNITY edge for one level.
func (s *Store) AssignCommunity(ctx context.Context, entityID, communityID int64, level int, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO in_community (entity_id, community_id, community_level, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, community_level) DO UPDATE SET community_id = excluded.community_id, confidence = excluded.confidence
	`, entityID, communityID, level, confidence)
	return err
}

// SetCommunityParent records a PART_OF edge.
func (s *Store) SetCommunityParent(ctx context.Context, communityID, parentID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO community_parents (community_id, parent_community_id) VALUES (?, ?)",
		communityID, parentID)
	return err
}

// GetCommunities returns all communities at a given level.
func (s *Store) GetCommunities(ctx context.Context, level int) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, COALESCE(title,''), COALESCE(summary,''), rating, COALESCE(rating_explanation,''),
			themes, COALESCE(significance,''), findings, rank
		FROM communities WHERE level = ?`, level)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommunities(rows)
}

// AllCommunities returns every community regardless of level.
func (s *Store) AllCommunities(ctx context.Context) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, COALESCE(title,''), COALESCE(summary,''), rating, COALESCE(rating_explanation,''),
			themes, COALESCE(significance,''), findings, rank
		FROM communities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommunities(rows)
}

func scanCommunities(rows *sql.Rows) ([]Community, error) {
	var communities []Community
	for rows.Next() {
		var c Community
		var themesJSON, findingsJSON string
		if err := rows.Scan(&c.ID, &c.Level, &c.Title, &c.Summary, &c.Rating, &c.RatingExplanation,
			&themesJSON, &c.Significance, &findingsJSON, &c.Rank); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(themesJSON), &c.Themes)
		_ = json.Unmarshal([]byte(findingsJSON), &c.Findings)
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// UpdateCommunityReport stores the structured report produced by the
// community summarizer.
func (s *Store) UpdateCommunityReport(ctx context.Context, id int64, c Community) error {
	themesJSON, _ := json.Marshal(c.Themes)
	findingsJSON, _ := json.Marshal(c.Findings)
	_, err := s.db.ExecContext(ctx, `
		UPDATE communities SET title = ?, summary = ?, rating = ?, rating_explanation = ?,
			themes = ?, significance = ?, findings = ?
		WHERE id = ?`, c.Title, c.Summary, c.Rating, c.RatingExplanation, string(themesJSON), c.Significance, string(findingsJSON), id)
	return err
}

// CommunityMembers returns the entities assigned to a community.
func (s *Store) CommunityMembers(ctx context.Context, communityID int64, limit int) ([]Entity, error) {
	if limit == 0 {
		limit = 50
	}
	return s.queryEntities(ctx, `
		SELECT e.id, e.name, e.entity_type, COALESCE(e.description,''), e.mention_count, e.confidence, e.aliases
		FROM entities e JOIN in_community ic ON ic.entity_id = e.id
		WHERE ic.community_id = ? ORDER BY e.mention_count DESC LIMIT ?`, communityID, limit)
}

// CommunitiesForEntities returns the distinct community IDs at the
// given level that any of the given entities belong to.
func (s *Store) CommunitiesForEntities(ctx context.Context, entityIDs []int64, level int) ([]int64, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, level)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT community_id FROM in_community
		WHERE entity_id IN (?`+repeatPlaceholders(len(entityIDs)-1)+`) AND community_level = ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteOrphanCommunities removes communities with zero remaining
// members (the orphan-cleanup step of §4.6).
func (s *Store) DeleteOrphanCommunities(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM communities WHERE id NOT IN (SELECT DISTINCT community_id FROM in_community)
	`)
	return err
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	citationsJSON, _ := json.Marshal(q.Citations)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (mode, query, answer, confidence, citations, model_used, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.Mode, q.Query, q.Answer, q.Confidence, string(citationsJSON), q.ModelUsed,
		q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}

// --- LLM response cache ---

// CacheGet looks up a cached LLM response by key. Misses are
// authoritative (no cache stampede protection needed at this scale).
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	var response string
	err := s.db.QueryRowContext(ctx, "SELECT response FROM llm_cache WHERE cache_key = ?", key).Scan(&response)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return response, true, nil
}

// CachePut stores an LLM response under the given key.
func (s *Store) CachePut(ctx context.Context, key, response string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO llm_cache (cache_key, response) VALUES (?, ?)", key, response)
	return err
}

// --- Stats ---

// GraphStats holds counts of key graph objects, as returned by graph_stats.
type GraphStats struct {
	Documents     int `json:"documents"`
	TextUnits     int `json:"textunits"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Claims        int `json:"claims"`
	Communities   int `json:"communities"`
}

// GraphStats returns counts of every node kind.
func (s *Store) GraphStats(ctx context.Context) (*GraphStats, error) {
	stats := &GraphStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM text_units", &stats.TextUnits},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM claims", &stats.Claims},
		{"SELECT COUNT(*) FROM communities", &stats.Communities},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- Session: the scope primitive guaranteeing release on all exit paths ---

// Session wraps a single acquired transaction. Close is idempotent
// and safe to defer immediately after Begin succeeds; calling Close
// without a prior Commit rolls back, so every exit path — error
// return, panic recovery upstream, or explicit Commit — releases the
// underlying connection exactly once. This is the scope primitive
// named in the design notes, generalizing the store's existing
// closure-based inTx helper to call sites that need to interleave
// multiple store operations under one transaction explicitly (e.g.
// the incremental ingestion controller).
type Session struct {
	tx     *sql.Tx
	closed bool
}

// BeginSession acquires a new session. The caller must defer Close.
func (s *Store) BeginSession(ctx context.Context) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Session{tx: tx}, nil
}

// Tx exposes the underlying transaction for store helper calls that
// accept a *sql.Tx.
func (sess *Session) Tx() *sql.Tx { return sess.tx }

// Commit commits the session. Safe to call at most once; Close after
// Commit is a no-op.
func (sess *Session) Commit() error {
	if sess.closed {
		return nil
	}
	sess.closed = true
	return sess.tx.Commit()
}

// Close releases the session, rolling back if Commit was never
// called. Idempotent: calling Close multiple times (e.g. once
// explicitly and once via defer) is safe.
func (sess *Session) Close() error {
	if sess.closed {
		return nil
	}
	sess.closed = true
	return sess.tx.Rollback()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(", ?", n)
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

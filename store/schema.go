package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Flat, start_char-ordered text units (no parent/child hierarchy)
CREATE TABLE IF NOT EXISTS text_units (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    heading TEXT,
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    token_count INTEGER NOT NULL,
    content_hash TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec, keyed by text_unit
CREATE VIRTUAL TABLE IF NOT EXISTS vec_text_units USING vec0(
    text_unit_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS text_units_fts USING fts5(
    text,
    heading,
    content='text_units',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS text_units_ai AFTER INSERT ON text_units BEGIN
    INSERT INTO text_units_fts(rowid, text, heading) VALUES (new.id, new.text, new.heading);
END;
CREATE TRIGGER IF NOT EXISTS text_units_ad AFTER DELETE ON text_units BEGIN
    INSERT INTO text_units_fts(text_units_fts, rowid, text, heading) VALUES ('delete', old.id, old.text, old.heading);
END;
CREATE TRIGGER IF NOT EXISTS text_units_au AFTER UPDATE ON text_units BEGIN
    INSERT INTO text_units_fts(text_units_fts, rowid, text, heading) VALUES ('delete', old.id, old.text, old.heading);
    INSERT INTO text_units_fts(text_units_fts, rowid, text, heading) VALUES (new.id, new.text, new.heading);
END;

-- Knowledge graph: entities
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    description TEXT,
    mention_count INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0.5,
    aliases JSON NOT NULL DEFAULT '[]',
    metadata JSON,
    UNIQUE(name, entity_type)
);

-- Knowledge graph: RELATED_TO edges
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY,
    source_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    confidence REAL NOT NULL DEFAULT 0.5,
    description TEXT,
    source_text_unit_id INTEGER REFERENCES text_units(id),
    UNIQUE(source_entity_id, target_entity_id, relation_type)
);

-- MENTIONS edges: TextUnit -> Entity (semantic direction)
CREATE TABLE IF NOT EXISTS mentions (
    text_unit_id INTEGER NOT NULL REFERENCES text_units(id) ON DELETE CASCADE,
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    PRIMARY KEY (text_unit_id, entity_id)
);

-- Claims: factual assertions tied to one or two entities
CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY, -- hash of (subject, object, type, description)
    subject_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    subject_name TEXT NOT NULL,
    object_entity_id INTEGER REFERENCES entities(id) ON DELETE SET NULL,
    object_name TEXT,
    claim_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'SUSPECTED',
    description TEXT,
    start_date TEXT,
    end_date TEXT,
    source_text TEXT,
    occurrence_count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS claim_sources (
    claim_id TEXT NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
    text_unit_id INTEGER NOT NULL REFERENCES text_units(id) ON DELETE CASCADE,
    PRIMARY KEY (claim_id, text_unit_id)
);

-- Hierarchical communities (Leiden levels)
CREATE TABLE IF NOT EXISTS communities (
    id INTEGER PRIMARY KEY,
    level INTEGER NOT NULL,
    title TEXT,
    summary TEXT,
    rating REAL,
    rating_explanation TEXT,
    themes JSON NOT NULL DEFAULT '[]',
    significance TEXT,
    findings JSON NOT NULL DEFAULT '[]',
    rank REAL NOT NULL DEFAULT 0.5
);

-- IN_COMMUNITY edges: Entity -> Community, carrying the level
CREATE TABLE IF NOT EXISTS in_community (
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    community_id INTEGER NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
    community_level INTEGER NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    PRIMARY KEY (entity_id, community_level)
);

-- PART_OF edges: Community -> parent Community (higher level)
CREATE TABLE IF NOT EXISTS community_parents (
    community_id INTEGER NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
    parent_community_id INTEGER NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
    PRIMARY KEY (community_id)
);

-- Prompt -> response cache for idempotent LLM calls
CREATE TABLE IF NOT EXISTS llm_cache (
    cache_key TEXT PRIMARY KEY,
    response TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Query audit log
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    mode TEXT NOT NULL,
    query TEXT NOT NULL,
    answer TEXT,
    confidence REAL,
    citations JSON,
    model_used TEXT,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_text_units_document ON text_units(document_id);
CREATE INDEX IF NOT EXISTS idx_text_units_start_char ON text_units(document_id, start_char);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);
CREATE INDEX IF NOT EXISTS idx_relationships_type ON relationships(relation_type);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON mentions(entity_id);
CREATE INDEX IF NOT EXISTS idx_claims_subject ON claims(subject_entity_id);
CREATE INDEX IF NOT EXISTS idx_claims_object ON claims(object_entity_id);
CREATE INDEX IF NOT EXISTS idx_in_community_community ON in_community(community_id);
CREATE INDEX IF NOT EXISTS idx_communities_level ON communities(level);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`, embeddingDim)
}

package recordstore

// Timestamps are stored as RFC3339Nano TEXT so the same queries run
// unchanged on SQLite and MySQL.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS records (
    processing_id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    source_path TEXT NOT NULL DEFAULT '',
    processed_path TEXT NOT NULL DEFAULT '',
    kv_pairs TEXT NOT NULL DEFAULT '{}',
    kv_confidences TEXT NOT NULL DEFAULT '{}',
    ocr_confidence REAL NOT NULL DEFAULT 0,
    overall_confidence REAL NOT NULL DEFAULT 0 CHECK(overall_confidence >= 0 AND overall_confidence <= 1),
    classification TEXT NOT NULL DEFAULT 'Other',
    raw_text TEXT NOT NULL DEFAULT '',
    positioning_data TEXT NOT NULL DEFAULT '',
    template_id TEXT NOT NULL DEFAULT '',
    template_mapping TEXT NOT NULL DEFAULT '',
    extract_fallback INTEGER NOT NULL DEFAULT 0,
    has_corrections INTEGER NOT NULL DEFAULT 0,
    last_corrected_by TEXT NOT NULL DEFAULT '',
    last_corrected_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(tenant_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_records_tenant ON records(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS null_field_records (
    processing_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    null_field_names TEXT NOT NULL DEFAULT '[]',
    all_extracted_fields TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'queued',
    progress INTEGER NOT NULL DEFAULT 0,
    result TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    failure_code TEXT NOT NULL DEFAULT '',
    parent_batch_id TEXT NOT NULL DEFAULT '',
    result_ignore INTEGER NOT NULL DEFAULT 0,
    tenant_id TEXT NOT NULL DEFAULT '',
    template_id TEXT NOT NULL DEFAULT '',
    filename TEXT NOT NULL DEFAULT '',
    source_path TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(parent_batch_id);

CREATE TABLE IF NOT EXISTS templates (
    template_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_templates_tenant ON templates(tenant_id);

CREATE TABLE IF NOT EXISTS corrections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    processing_id TEXT NOT NULL,
    field TEXT NOT NULL,
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_corrections_record ON corrections(processing_id);

CREATE TABLE IF NOT EXISTS ground_truth (
    processing_id TEXT NOT NULL,
    field TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    PRIMARY KEY (processing_id, field)
);
`

const schemaMySQL = `
CREATE TABLE IF NOT EXISTS records (
    processing_id VARCHAR(128) PRIMARY KEY,
    content_hash VARCHAR(64) NOT NULL,
    tenant_id VARCHAR(128) NOT NULL,
    filename VARCHAR(512) NOT NULL DEFAULT '',
    source_path VARCHAR(1024) NOT NULL DEFAULT '',
    processed_path VARCHAR(1024) NOT NULL DEFAULT '',
    kv_pairs MEDIUMTEXT NOT NULL,
    kv_confidences MEDIUMTEXT NOT NULL,
    ocr_confidence DOUBLE NOT NULL DEFAULT 0,
    overall_confidence DOUBLE NOT NULL DEFAULT 0,
    classification VARCHAR(32) NOT NULL DEFAULT 'Other',
    raw_text MEDIUMTEXT NOT NULL,
    positioning_data MEDIUMTEXT NOT NULL,
    template_id VARCHAR(128) NOT NULL DEFAULT '',
    template_mapping MEDIUMTEXT NOT NULL,
    extract_fallback TINYINT NOT NULL DEFAULT 0,
    has_corrections TINYINT NOT NULL DEFAULT 0,
    last_corrected_by VARCHAR(256) NOT NULL DEFAULT '',
    last_corrected_at VARCHAR(64),
    created_at VARCHAR(64) NOT NULL,
    updated_at VARCHAR(64) NOT NULL,
    UNIQUE KEY uniq_tenant_hash (tenant_id, content_hash),
    KEY idx_records_tenant (tenant_id, created_at)
);

CREATE TABLE IF NOT EXISTS null_field_records (
    processing_id VARCHAR(128) PRIMARY KEY,
    tenant_id VARCHAR(128) NOT NULL,
    filename VARCHAR(512) NOT NULL DEFAULT '',
    null_field_names TEXT NOT NULL,
    all_extracted_fields MEDIUMTEXT NOT NULL,
    created_at VARCHAR(64) NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    job_id VARCHAR(128) PRIMARY KEY,
    kind VARCHAR(32) NOT NULL,
    state VARCHAR(32) NOT NULL DEFAULT 'queued',
    progress INT NOT NULL DEFAULT 0,
    result TEXT NOT NULL,
    error TEXT NOT NULL,
    failure_code VARCHAR(64) NOT NULL DEFAULT '',
    parent_batch_id VARCHAR(128) NOT NULL DEFAULT '',
    result_ignore TINYINT NOT NULL DEFAULT 0,
    tenant_id VARCHAR(128) NOT NULL DEFAULT '',
    template_id VARCHAR(128) NOT NULL DEFAULT '',
    filename VARCHAR(512) NOT NULL DEFAULT '',
    source_path VARCHAR(1024) NOT NULL DEFAULT '',
    content_hash VARCHAR(64) NOT NULL DEFAULT '',
    created_at VARCHAR(64) NOT NULL,
    updated_at VARCHAR(64) NOT NULL,
    KEY idx_jobs_state (state),
    KEY idx_jobs_batch (parent_batch_id)
);

CREATE TABLE IF NOT EXISTS templates (
    template_id VARCHAR(128) PRIMARY KEY,
    tenant_id VARCHAR(128) NOT NULL,
    name VARCHAR(256) NOT NULL,
    fields MEDIUMTEXT NOT NULL,
    created_at VARCHAR(64) NOT NULL,
    deleted_at VARCHAR(64),
    KEY idx_templates_tenant (tenant_id)
);

CREATE TABLE IF NOT EXISTS corrections (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    processing_id VARCHAR(128) NOT NULL,
    field VARCHAR(256) NOT NULL,
    old_value TEXT NOT NULL,
    new_value TEXT NOT NULL,
    actor VARCHAR(256) NOT NULL DEFAULT '',
    created_at VARCHAR(64) NOT NULL,
    KEY idx_corrections_record (processing_id)
);

CREATE TABLE IF NOT EXISTS ground_truth (
    processing_id VARCHAR(128) NOT NULL,
    field VARCHAR(256) NOT NULL,
    value TEXT NOT NULL,
    actor VARCHAR(256) NOT NULL DEFAULT '',
    created_at VARCHAR(64) NOT NULL,
    PRIMARY KEY (processing_id, field)
);
`

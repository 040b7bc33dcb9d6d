package store

// SchemaVersion is bumped whenever Schema changes in a way existing
// databases need to migrate through.
const SchemaVersion = 1

// Schema contains the idempotent DDL for the replicated data model
// described in spec.md §3. It is applied with CREATE TABLE IF NOT
// EXISTS so opening an up-to-date database is a no-op.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS person (
    account_id   TEXT PRIMARY KEY,
    display_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS project (
    jira_id     INTEGER PRIMARY KEY,
    key         TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    description TEXT,
    is_archived BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_project_key ON project(key);

CREATE TABLE IF NOT EXISTS field (
    jira_id     TEXT PRIMARY KEY,
    key         TEXT NOT NULL,
    human_name  TEXT NOT NULL,
    schema      TEXT NOT NULL,
    is_custom   BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS issue_type (
    jira_id     INTEGER PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT
);

CREATE TABLE IF NOT EXISTS issue_type_per_project (
    project_id    INTEGER NOT NULL REFERENCES project(jira_id),
    issue_type_id INTEGER NOT NULL REFERENCES issue_type(jira_id),
    UNIQUE(project_id, issue_type_id)
);

CREATE TABLE IF NOT EXISTS issue (
    jira_id     INTEGER PRIMARY KEY,
    key         TEXT NOT NULL UNIQUE,
    project_key TEXT NOT NULL REFERENCES project(key)
);
CREATE INDEX IF NOT EXISTS idx_issue_key ON issue(key);
CREATE INDEX IF NOT EXISTS idx_issue_project_key ON issue(project_key);

CREATE TABLE IF NOT EXISTS issue_field (
    issue_id    INTEGER NOT NULL REFERENCES issue(jira_id),
    field_id    TEXT NOT NULL REFERENCES field(jira_id),
    field_value TEXT NOT NULL,
    UNIQUE(issue_id, field_id)
);
CREATE INDEX IF NOT EXISTS idx_issue_field_issue ON issue_field(issue_id);

CREATE TABLE IF NOT EXISTS issue_link_type (
    jira_id      INTEGER PRIMARY KEY,
    name         TEXT NOT NULL,
    outward_name TEXT NOT NULL,
    inward_name  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issue_link (
    jira_id           INTEGER PRIMARY KEY,
    link_type_id      INTEGER NOT NULL REFERENCES issue_link_type(jira_id),
    outward_issue_id  INTEGER NOT NULL REFERENCES issue(jira_id),
    inward_issue_id   INTEGER NOT NULL REFERENCES issue(jira_id),
    CHECK (outward_issue_id != inward_issue_id)
);
CREATE INDEX IF NOT EXISTS idx_issue_link_outward ON issue_link(outward_issue_id);
CREATE INDEX IF NOT EXISTS idx_issue_link_inward ON issue_link(inward_issue_id);

CREATE TABLE IF NOT EXISTS watcher (
    person TEXT NOT NULL REFERENCES person(account_id),
    issue  INTEGER NOT NULL REFERENCES issue(jira_id),
    UNIQUE(person, issue)
);

CREATE TABLE IF NOT EXISTS attachment (
    uuid         TEXT NOT NULL UNIQUE,
    id           INTEGER PRIMARY KEY,
    issue_id     INTEGER NOT NULL REFERENCES issue(jira_id),
    filename     TEXT NOT NULL,
    mime_type    TEXT,
    file_size    INTEGER NOT NULL,
    content_data BLOB
);
CREATE INDEX IF NOT EXISTS idx_attachment_issue ON attachment(issue_id);

CREATE TABLE IF NOT EXISTS comment (
    id                     INTEGER NOT NULL,
    issue_id               INTEGER NOT NULL REFERENCES issue(jira_id),
    position_in_array      INTEGER NOT NULL,
    content_data           TEXT NOT NULL,
    author                 TEXT NOT NULL REFERENCES person(account_id),
    creation_time          DATETIME NOT NULL,
    last_modification_time DATETIME NOT NULL,
    PRIMARY KEY (id, position_in_array)
);
CREATE INDEX IF NOT EXISTS idx_comment_issue_position ON comment(issue_id, position_in_array);

CREATE TABLE IF NOT EXISTS rendered_artifact (
    issue_id    INTEGER NOT NULL REFERENCES issue(jira_id),
    format      TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    body        TEXT NOT NULL,
    PRIMARY KEY (issue_id, format)
);

CREATE TABLE IF NOT EXISTS sync_watermark (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    last_seen_updated DATETIME,
    last_full_sync_at DATETIME
);
`

// seedStatements run once after Schema, establishing the singleton
// watermark row so UPDATE-only callers never hit a missing row.
const seedStatements = `
INSERT OR IGNORE INTO sync_watermark (id, last_seen_updated, last_full_sync_at) VALUES (1, NULL, NULL);
INSERT OR IGNORE INTO schema_version (version) VALUES (` + "1" + `);
`

package archive

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    device     TEXT      NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS analyses (
    id                INTEGER   PRIMARY KEY AUTOINCREMENT,
    session_id        INTEGER   NOT NULL REFERENCES sessions (id),
    captured_at       TIMESTAMP NOT NULL,
    substances        TEXT      NOT NULL,
    raw_profile       TEXT      NOT NULL,
    processed_profile TEXT      NOT NULL,
    peaks             TEXT      NOT NULL,
    matches           TEXT      NOT NULL
);`

const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_analyses_session_time
    ON analyses (session_id, captured_at);`

const (
	insertSessionSQL = `
INSERT INTO sessions (started_at,
                      device,
                      config)
VALUES (CURRENT_TIMESTAMP, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    started_at,
    device,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    started_at,
    device,
    config
FROM sessions
ORDER BY started_at`

	insertAnalysisSQL = `
INSERT INTO analyses (session_id,
                      captured_at,
                      substances,
                      raw_profile,
                      processed_profile,
                      peaks,
                      matches)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectAnalysisSQL = `
SELECT
    id,
    session_id,
    captured_at,
    substances,
    raw_profile,
    processed_profile,
    peaks,
    matches
FROM analyses
WHERE
    id = ?`

	selectAnalysesSQL = `
SELECT
    id,
    session_id,
    captured_at,
    substances,
    raw_profile,
    processed_profile,
    peaks,
    matches
FROM analyses
WHERE
    session_id = ?
ORDER BY captured_at`
)

package postgres

// Schema creates the record relations. Migrate applies it; it is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS raw_records (
	id            BIGSERIAL PRIMARY KEY,
	content_hash  TEXT NOT NULL UNIQUE,
	item          TEXT NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	unit          TEXT NOT NULL,
	commodity     TEXT NOT NULL,
	location      TEXT NOT NULL,
	year          TEXT NOT NULL,
	source        TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	soil_type     TEXT NOT NULL DEFAULT '',
	rotation      TEXT NOT NULL DEFAULT '',
	tillage       TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	score         INTEGER NOT NULL,
	flagged       BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen_at TIMESTAMPTZ NOT NULL,
	scraped_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_records (
	id                 BIGSERIAL PRIMARY KEY,
	raw_id             BIGINT NOT NULL REFERENCES raw_records(id),
	content_hash       TEXT NOT NULL,
	item               TEXT NOT NULL,
	value              DOUBLE PRECISION NOT NULL,
	unit               TEXT NOT NULL,
	commodity          TEXT NOT NULL,
	location           TEXT NOT NULL,
	year               TEXT NOT NULL,
	source             TEXT NOT NULL,
	category           TEXT NOT NULL DEFAULT '',
	score              INTEGER NOT NULL,
	processed_at       TIMESTAMPTZ NOT NULL,
	processing_version TEXT NOT NULL,
	UNIQUE (content_hash, processing_version)
);

CREATE TABLE IF NOT EXISTS source_runs (
	id               BIGSERIAL PRIMARY KEY,
	run_id           TEXT NOT NULL,
	source           TEXT NOT NULL,
	state            TEXT NOT NULL,
	records_ingested INTEGER NOT NULL,
	errors           JSONB NOT NULL DEFAULT '[]',
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_records_commodity ON raw_records(commodity);
CREATE INDEX IF NOT EXISTS idx_raw_records_source ON raw_records(source);
CREATE INDEX IF NOT EXISTS idx_processed_records_version ON processed_records(processing_version);
CREATE INDEX IF NOT EXISTS idx_source_runs_run_id ON source_runs(run_id);
`

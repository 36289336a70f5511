package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
				version INTEGER NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_owner ON workflows(owner);

			-- Immutable snapshots; runs pin one of them.
			CREATE TABLE workflow_versions (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				version INTEGER NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (workflow_id, version)
			);

			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				workflow_version INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				state JSONB NOT NULL,
				revision BIGINT NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_workflow_id ON runs(workflow_id, started_at DESC);
			CREATE INDEX idx_runs_status ON runs(status);
		`,
		2: `
			CREATE TABLE scheduled_triggers (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				client_id VARCHAR(255) NOT NULL DEFAULT '',
				data JSONB NOT NULL DEFAULT '{}',
				schedule VARCHAR(255) NOT NULL,
				last_run TIMESTAMP WITH TIME ZONE,
				next_run TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scheduled_triggers_due ON scheduled_triggers(status, next_run);
			CREATE INDEX idx_scheduled_triggers_workflow ON scheduled_triggers(workflow_id);
		`,
		3: `
			CREATE TABLE domain_events (
				seq BIGSERIAL PRIMARY KEY,
				id VARCHAR(255) NOT NULL UNIQUE,
				run_id VARCHAR(255),
				kind VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				dedup_key VARCHAR(512)
			);

			CREATE UNIQUE INDEX idx_domain_events_dedup_key ON domain_events(dedup_key) WHERE dedup_key IS NOT NULL;
			CREATE INDEX idx_domain_events_run ON domain_events(run_id, occurred_at, seq);
			CREATE INDEX idx_domain_events_kind ON domain_events(kind);

			-- Append-only: reject updates and deletes.
			CREATE FUNCTION domain_events_immutable() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'domain_events is append-only';
			END;
			$$ LANGUAGE plpgsql;

			CREATE TRIGGER domain_events_no_update
				BEFORE UPDATE OR DELETE ON domain_events
				FOR EACH ROW EXECUTE FUNCTION domain_events_immutable();
		`,
	}
}

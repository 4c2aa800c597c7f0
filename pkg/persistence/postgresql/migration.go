package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				goal TEXT NOT NULL,
				mode VARCHAR(50) NOT NULL CHECK (mode IN ('auto', 'assisted', 'manual')),
				media_type VARCHAR(50) NOT NULL CHECK (media_type IN ('image', 'video')),
				plan JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id),
				status VARCHAR(50) NOT NULL,
				stream_token VARCHAR(255),
				context JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_workflow_id ON runs(workflow_id);
			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_created_at ON runs(created_at);
		`,
		2: `
			-- Logs and artifacts are append-mostly and grow with the run.
			ALTER TABLE runs
				ADD COLUMN logs JSONB NOT NULL DEFAULT '[]',
				ADD COLUMN artifacts JSONB NOT NULL DEFAULT '[]';
		`,
	}
}

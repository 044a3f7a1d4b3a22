package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE repositories (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				form JSONB NOT NULL,
				template VARCHAR(50) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'building', 'approved', 'rejected')),
				latest_pipeline_id VARCHAR(64) NOT NULL DEFAULT '',
				package_name VARCHAR(214) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_repositories_owner_id ON repositories(owner_id);

			CREATE TABLE deployment_pipelines (
				id VARCHAR(64) PRIMARY KEY,
				repository_id VARCHAR(64) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed', 'cancelled')),
				steps JSONB NOT NULL DEFAULT '[]',
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ns BIGINT NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				error_details JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_deployment_pipelines_repository_id ON deployment_pipelines(repository_id, created_at DESC);

			CREATE TABLE packages (
				id VARCHAR(64) PRIMARY KEY,
				package_name VARCHAR(214) NOT NULL UNIQUE,
				display_name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				category VARCHAR(100) NOT NULL DEFAULT '',
				tags JSONB NOT NULL DEFAULT '[]',
				version VARCHAR(100) NOT NULL,
				manifest JSONB NOT NULL,
				compatible_brands JSONB NOT NULL DEFAULT '[]',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'published', 'deprecated', 'archived')),
				is_template BOOLEAN NOT NULL DEFAULT false,
				is_featured BOOLEAN NOT NULL DEFAULT false,
				quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				rating DOUBLE PRECISION NOT NULL DEFAULT 0,
				total_downloads BIGINT NOT NULL DEFAULT 0,
				weekly_downloads BIGINT NOT NULL DEFAULT 0,
				install_count BIGINT NOT NULL DEFAULT 0,
				owner_id VARCHAR(255) NOT NULL DEFAULT '',
				repository_id VARCHAR(64) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_packages_status ON packages(status);
			CREATE INDEX idx_packages_category ON packages(category);

			CREATE TABLE package_versions (
				id VARCHAR(64) PRIMARY KEY,
				package_id VARCHAR(64) NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
				version VARCHAR(100) NOT NULL,
				is_latest BOOLEAN NOT NULL DEFAULT false,
				dist_url TEXT NOT NULL DEFAULT '',
				tarball_url TEXT NOT NULL DEFAULT '',
				integrity VARCHAR(255) NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				dependencies JSONB,
				peer_dependencies JSONB,
				published_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (package_id, version)
			);

			-- At most one latest version per package.
			CREATE UNIQUE INDEX idx_package_versions_latest ON package_versions(package_id) WHERE is_latest;
		`,
		2: `
			CREATE INDEX idx_packages_tags ON packages USING GIN (tags);
			CREATE INDEX idx_packages_compatible_brands ON packages USING GIN (compatible_brands);
			CREATE INDEX idx_packages_license ON packages ((manifest->>'license'));
		`,
	}
}

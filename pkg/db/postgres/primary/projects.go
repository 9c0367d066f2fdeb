package primary

import (
	"context"
	"fmt"

	"github.com/canopy-network/canopyx-points/pkg/db/models/points"
	"github.com/canopy-network/canopyx-points/pkg/utils"
)

// initProjects creates the project registry (pair address -> project name).
func (db *DB) initProjects(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS projects (
			pair_address TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`

	return db.Exec(ctx, query)
}

// RegisterProject maps a pair to a project name, replacing any previous name.
func (db *DB) RegisterProject(ctx context.Context, project *points.Project) error {
	query := `
		INSERT INTO projects (pair_address, name)
		VALUES ($1, $2)
		ON CONFLICT (pair_address) DO UPDATE SET name = EXCLUDED.name
	`

	return db.Exec(ctx, query, utils.NormalizeAddress(project.PairAddress), project.Name)
}

// ProjectNames returns the project name of every registered pair among pairAddresses.
// Unregistered pairs are absent from the map.
func (db *DB) ProjectNames(ctx context.Context, pairAddresses []string) (map[string]string, error) {
	pairAddresses = utils.Dedup(pairAddresses)
	out := make(map[string]string, len(pairAddresses))
	if len(pairAddresses) == 0 {
		return out, nil
	}

	rows, err := db.Query(ctx, `SELECT pair_address, name FROM projects WHERE pair_address = ANY($1)`, pairAddresses)
	if err != nil {
		return nil, fmt.Errorf("query project names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pair, name string
		if err := rows.Scan(&pair, &name); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out[pair] = name
	}

	return out, rows.Err()
}

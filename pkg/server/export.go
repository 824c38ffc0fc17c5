package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// AliasYAML represents an alias in YAML export.
type AliasYAML struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Notes   string `yaml:"notes,omitempty"`
}

// AliasesExport is the top-level YAML document for alias export/import.
type AliasesExport struct {
	Aliases []AliasYAML `yaml:"aliases"`
}

// ExportAliasesYAML exports all aliases as YAML.
func ExportAliasesYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	aliases, err := st.ListAliases(ctx)
	if err != nil {
		return nil, err
	}

	export := AliasesExport{Aliases: make([]AliasYAML, 0, len(aliases))}
	for _, a := range aliases {
		export.Aliases = append(export.Aliases, AliasYAML{
			Name:    a.Name,
			Enabled: a.Enabled,
			Notes:   a.Notes,
		})
	}
	return yaml.Marshal(&export)
}

// LoadAliasesFromYAML reads an alias YAML file and imports it.
func LoadAliasesFromYAML(ctx context.Context, path string, db datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from operator CLI
	if err != nil {
		return 0, fmt.Errorf("read aliases file: %w", err)
	}
	return ImportAliasesYAML(ctx, data, db)
}

// ImportAliasesYAML creates the aliases in data that do not exist yet and
// applies their enabled flag. Existing aliases keep their notes and last
// sender. The import runs in one transaction; it returns the number of
// aliases created.
func ImportAliasesYAML(ctx context.Context, data []byte, db datastore.DataProviderFactory) (int, error) {
	var doc AliasesExport
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse aliases file: %w", err)
	}
	for _, a := range doc.Aliases {
		if err := model.ValidateAliasName(model.NormalizeAliasName(a.Name)); err != nil {
			return 0, fmt.Errorf("alias %q: %w", a.Name, err)
		}
	}

	tx, err := db.Tx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for _, a := range doc.Aliases {
		ok, err := tx.CreateAliasIfAbsent(ctx, a.Name, "", a.Notes)
		if err != nil {
			return 0, err
		}
		if ok {
			created++
		}
		if err := tx.SetAliasEnabled(ctx, a.Name, a.Enabled); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	slog.Info("imported aliases from YAML", "total", len(doc.Aliases), "created", created)
	return created, nil
}

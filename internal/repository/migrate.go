package repository

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-aid-workflow/internal/database"
	"github.com/pesio-ai/be-aid-workflow/internal/errors"
)

//go:embed schema.sql
var schema string

// Migrate applies the embedded schema. It is safe to run on every start.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

package action

import (
	"context"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/config"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

// The cartes.gouv.fr frontend tracks data integration through a set of
// conventional tags on uploads and stored data. When the
// compatibility mode is active, actions maintain those tags alongside
// their own.

func cartesMode(cfg *config.Config) bool {
	return cfg.BoolDefault("compatibility_cartes", "activate", false)
}

// cartesStageTag stamps an upload with the integration_progress value
// configured for the given stage (upload_start, upload_end_ok,
// upload_end_ko, execution_start, execution_end_ok, execution_end_ko).
func cartesStageTag(ctx context.Context, cfg *config.Config, upload *store.Upload, stage string) error {
	value := cfg.StrDefault("compatibility_cartes", stage+"_integration_progress", "")
	if value == "" {
		return nil
	}
	return errors.Trace(upload.AddTags(ctx, map[string]string{"integration_progress": value}))
}

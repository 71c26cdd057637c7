package action

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

// ConfigurationAction creates or finds a configuration, then applies
// the definition's tags and comments to it.
type ConfigurationAction struct {
	base

	configuration *store.Configuration
}

// Configuration returns the reconciled configuration, nil before Run.
func (a *ConfigurationAction) Configuration() *store.Configuration {
	return a.configuration
}

// Run is part of the Action interface.
func (a *ConfigurationAction) Run(ctx context.Context, datastore string) error {
	infos, tags := uniquenessFilters(a.cfg, "configuration", a.def.BodyParameters(), a.def.Tags())
	existing, err := store.ListConfigurations(ctx, infos, tags, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	if len(existing) > 0 {
		switch a.behavior {
		case BehaviorStop:
			return sdkentrepot.Errorf("Impossible de créer la configuration, une configuration équivalente %s existe déjà.", existing[0])
		case BehaviorDelete:
			logger.Warningf("une configuration équivalente à %s va être supprimée puis recréée", existing[0])
			if err := existing[0].Delete(ctx); err != nil {
				return errors.Trace(err)
			}
		case BehaviorContinue, BehaviorResume:
			logger.Infof("la configuration %s existe déjà, reprise", existing[0])
			a.configuration = existing[0]
		default:
			return sdkentrepot.Errorf("Le comportement %s n'est pas reconnu (%s), la configuration n'est pas possible.", a.behavior, behaviorsList())
		}
	}
	if a.configuration == nil {
		configuration, err := store.CreateConfiguration(ctx, a.def.BodyParameters(), datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.configuration = configuration
		logger.Infof("%s créée", a.configuration)
	}
	if err := a.configuration.AddTags(ctx, a.def.Tags()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(addMissingComments(ctx, a.configuration, a.def.Comments()))
}

// SynchronizeOfferingAction re-aligns an already published offering
// with its configuration (url_parameters.offering).
type SynchronizeOfferingAction struct {
	base
}

// Run is part of the Action interface.
func (a *SynchronizeOfferingAction) Run(ctx context.Context, datastore string) error {
	id := fmt.Sprint(a.def.URLParameters()["offering"])
	offering, err := store.GetOffering(ctx, id, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(offering.Synchronize(ctx))
}

// EditUsedDataAction patches the used_data list of a configuration's
// type_infos (url_parameters.configuration): entries listed under
// delete_used_data are removed by index, then entries under
// append_used_data are added, and the whole entity is PUT back.
type EditUsedDataAction struct {
	base
}

// Run is part of the Action interface.
func (a *EditUsedDataAction) Run(ctx context.Context, datastore string) error {
	id := fmt.Sprint(a.def.URLParameters()["configuration"])
	configuration, err := store.GetConfiguration(ctx, id, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	typeInfos, _ := configuration.Prop("type_infos").(map[string]interface{})
	if typeInfos == nil {
		return &StepActionError{Message: fmt.Sprintf("La configuration %s n'a pas de type_infos, édition impossible.", configuration)}
	}
	usedData, _ := typeInfos["used_data"].([]interface{})

	for _, index := range a.deleteIndexes() {
		if index < 0 || index >= len(usedData) {
			return &StepActionError{Message: fmt.Sprintf("Indice de used_data hors limites : %d (taille %d).", index, len(usedData))}
		}
		usedData = append(usedData[:index], usedData[index+1:]...)
	}
	if appended, ok := a.def["append_used_data"].([]interface{}); ok {
		usedData = append(usedData, appended...)
	}
	typeInfos["used_data"] = usedData

	body := store.Properties{}
	for key, value := range configuration.Properties() {
		body[key] = value
	}
	body["type_infos"] = typeInfos
	return errors.Trace(configuration.FullEdit(ctx, body))
}

// deleteIndexes returns the used_data indexes to drop, highest first
// so removals do not shift the remaining ones.
func (a *EditUsedDataAction) deleteIndexes() []int {
	raw, _ := a.def["delete_used_data"].([]interface{})
	indexes := make([]int, 0, len(raw))
	for _, value := range raw {
		if f, ok := value.(float64); ok {
			indexes = append(indexes, int(f))
		}
	}
	for i := 0; i < len(indexes); i++ {
		for j := i + 1; j < len(indexes); j++ {
			if indexes[j] > indexes[i] {
				indexes[i], indexes[j] = indexes[j], indexes[i]
			}
		}
	}
	return indexes
}

// AccessAction grants a user access (url_parameters.user). The API
// answers 204, so there is nothing to reconcile.
type AccessAction struct {
	base
}

// Run is part of the Action interface.
func (a *AccessAction) Run(ctx context.Context, datastore string) error {
	user := fmt.Sprint(a.def.URLParameters()["user"])
	created, err := store.CreateAccess(ctx, user, a.def.BodyParameters(), datastore)
	if err != nil {
		return errors.Trace(err)
	}
	if !created {
		return &StepActionError{Message: "La création de l'accès n'a pas été confirmée par l'API."}
	}
	return nil
}

// PermissionAction creates a permission.
type PermissionAction struct {
	base

	permission *store.Permission
}

// Permission returns the created permission, nil before Run.
func (a *PermissionAction) Permission() *store.Permission {
	return a.permission
}

// Run is part of the Action interface.
func (a *PermissionAction) Run(ctx context.Context, datastore string) error {
	permission, err := store.CreatePermission(ctx, a.def.BodyParameters(), datastore)
	if err != nil {
		return errors.Trace(err)
	}
	a.permission = permission
	logger.Infof("%s créée", a.permission)
	return nil
}

// addMissingComments appends the comments not already present on the
// entity. Idempotent.
func addMissingComments(ctx context.Context, target store.Commented, comments []string) error {
	if len(comments) == 0 {
		return nil
	}
	existing, err := target.ListComments(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	present := make(map[string]bool, len(existing))
	for _, comment := range existing {
		present[comment.Text] = true
	}
	for _, text := range comments {
		if present[text] {
			continue
		}
		if err := target.AddComment(ctx, text); err != nil {
			return errors.Trace(err)
		}
		present[text] = true
	}
	return nil
}

package action

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

// ProcessingExecutionAction creates (or resumes) a processing
// execution, completes its output entity with tags and comments, and
// launches it. All the behavioural depth of the action runtime lives
// here: the reconciliation of pre-existing remote state against the
// behavior policy, and the monitoring loop with its interruption
// protocol.
type ProcessingExecutionAction struct {
	base

	modeCartes bool

	pe               *store.ProcessingExecution
	upload           *store.Upload
	storedData       *store.StoredData
	inputsUpload     []*store.Upload
	inputsStoredData []*store.StoredData
	noOutput         bool
}

func newProcessingExecutionAction(b base) *ProcessingExecutionAction {
	return &ProcessingExecutionAction{
		base:       b,
		modeCartes: cartesMode(b.cfg),
	}
}

// ProcessingExecution returns the reconciled job, nil before Run.
func (a *ProcessingExecutionAction) ProcessingExecution() *store.ProcessingExecution {
	return a.pe
}

// OutputUpload returns the output upload, nil when the job outputs a
// stored data or nothing.
func (a *ProcessingExecutionAction) OutputUpload() *store.Upload {
	return a.upload
}

// OutputStoredData returns the output stored data, nil when the job
// outputs an upload or nothing.
func (a *ProcessingExecutionAction) OutputStoredData() *store.StoredData {
	return a.storedData
}

// NoOutput reports whether the job declares the no-output sentinel.
func (a *ProcessingExecutionAction) NoOutput() bool {
	return a.noOutput
}

// outputDef returns the output description of the definition: the
// entity family ("upload" or "stored_data") and its creation
// attributes.
func (a *ProcessingExecutionAction) outputDef() (string, store.Properties) {
	output, _ := a.def.BodyParameters()["output"].(map[string]interface{})
	for _, family := range []string{"upload", "stored_data"} {
		if entity, ok := output[family].(map[string]interface{}); ok {
			return family, store.Properties(entity)
		}
	}
	return "", nil
}

// outputNewEntity reports whether the definition asks for a fresh
// output entity (its output carries a name).
func (a *ProcessingExecutionAction) outputNewEntity() bool {
	_, entity := a.outputDef()
	_, ok := entity["name"]
	return ok
}

// outputUpdateEntity reports whether the definition mutates an
// existing entity (its output carries an _id).
func (a *ProcessingExecutionAction) outputUpdateEntity() bool {
	_, entity := a.outputDef()
	_, ok := entity["_id"]
	return ok
}

// Run is part of the Action interface. The pipeline: reconcile
// pre-existing state, create the job if needed, resolve its inputs and
// output, apply tags then comments, launch.
func (a *ProcessingExecutionAction) Run(ctx context.Context, datastore string) error {
	logger.Infof("création d'une exécution de traitement et complétion de l'entité en sortie...")
	if err := a.createProcessingExecution(ctx, datastore); err != nil {
		return errors.Trace(err)
	}
	if err := a.addTags(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := a.addComments(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := a.launch(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (a *ProcessingExecutionAction) createProcessingExecution(ctx context.Context, datastore string) error {
	if a.outputNewEntity() {
		if err := a.reconcileNewOutput(ctx, datastore); err != nil {
			return errors.Trace(err)
		}
	}
	if a.outputUpdateEntity() {
		if err := a.reconcileUpdateEntity(ctx, datastore); err != nil {
			return errors.Trace(err)
		}
	}

	// A nil job at this point means reconciliation cleared the way for
	// a fresh create.
	if a.pe == nil {
		pe, err := store.CreateProcessingExecution(ctx, a.def.BodyParameters(), datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.pe = pe
	}

	for _, id := range a.pe.InputIDs("upload") {
		upload, err := store.GetUpload(ctx, id, datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.inputsUpload = append(a.inputsUpload, upload)
	}
	for _, id := range a.pe.InputIDs("stored_data") {
		storedData, err := store.GetStoredData(ctx, id, datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.inputsStoredData = append(a.inputsStoredData, storedData)
	}

	family, entity := a.pe.Output()
	switch family {
	case store.NoOutputSentinel:
		logger.Infof("traitement sans donnée en sortie")
		a.noOutput = true
		return nil
	case "upload":
		upload, err := store.GetUpload(ctx, fmt.Sprint(entity["_id"]), datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.upload = upload
		return nil
	case "stored_data":
		storedData, err := store.GetStoredData(ctx, fmt.Sprint(entity["_id"]), datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.storedData = storedData
		return nil
	default:
		return sdkentrepot.Errorf("Erreur à la création de l'exécution de traitement : impossible de récupérer l'entité en sortie.")
	}
}

// reconcileNewOutput handles the behavior policy when the definition
// asks for a fresh output entity and an equivalent stored data already
// exists remotely.
func (a *ProcessingExecutionAction) reconcileNewOutput(ctx context.Context, datastore string) error {
	storedData, err := a.findStoredData(ctx, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	if storedData == nil {
		return nil
	}
	if a.behavior == BehaviorStop {
		return sdkentrepot.Errorf("Impossible de créer l'exécution de traitement, une donnée stockée en sortie équivalente %s existe déjà.", storedData)
	}
	if err := storedData.Update(ctx); err != nil {
		return errors.Trace(err)
	}
	switch {
	case a.behavior == BehaviorDelete,
		a.behavior == BehaviorResume && storedData.Status() == store.StoredDataStatusUnstable:
		logger.Warningf("une donnée stockée équivalente à %s va être supprimée puis recréée", storedData)
		if err := storedData.Delete(ctx); err != nil {
			return errors.Trace(err)
		}
		a.pe = nil
	case a.behavior == BehaviorContinue, a.behavior == BehaviorResume:
		if storedData.Status() == store.StoredDataStatusUnstable {
			return sdkentrepot.Errorf("Le traitement précédent a échoué sur la donnée stockée en sortie %s. Impossible de lancer le traitement demandé.", storedData)
		}
		executions, err := store.ListProcessingExecutions(ctx, map[string]string{"output_stored_data": storedData.ID()}, datastore)
		if err != nil {
			return errors.Trace(err)
		}
		if len(executions) == 0 {
			return sdkentrepot.Errorf("Impossible de trouver l'exécution de traitement liée à la donnée stockée %s.", storedData)
		}
		a.storedData = storedData
		a.pe = executions[0]
		logger.Infof("la donnée stockée en sortie %s existe déjà, reprise du traitement associé %s", storedData, a.pe)
	default:
		return sdkentrepot.Errorf("Le comportement %s n'est pas reconnu (%s), l'exécution de traitement n'est pas possible.", a.behavior, behaviorsList())
	}
	return nil
}

// reconcileUpdateEntity handles the behavior policy when the
// definition mutates an existing stored data: an equivalent job is
// searched by output, processing, inputs and parameters. Unlike the
// new-output path, DELETE never removes the previous job (the API
// cannot), it only relaunches the update.
func (a *ProcessingExecutionAction) reconcileUpdateEntity(ctx context.Context, datastore string) error {
	family, outputDef := a.outputDef()
	if family != "stored_data" {
		return nil
	}
	body := a.def.BodyParameters()
	storedData, err := store.GetStoredData(ctx, fmt.Sprint(outputDef["_id"]), datastore)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return sdkentrepot.Errorf("La donnée en sortie est introuvable, impossible de faire la mise à jour.")
		}
		return errors.Trace(err)
	}

	filter := map[string]string{
		"output_stored_data": storedData.ID(),
		"processing":         fmt.Sprint(body["processing"]),
	}
	// The listing endpoint accepts a single input id: filter on the
	// first one and refine client side.
	if uploads := inputIDList(body, "upload"); len(uploads) > 0 {
		filter["input_upload"] = uploads[0]
	} else if storedDatas := inputIDList(body, "stored_data"); len(storedDatas) > 0 {
		filter["input_stored_data"] = storedDatas[0]
	}
	candidates, err := store.ListProcessingExecutions(ctx, filter, datastore)
	if err != nil {
		return errors.Trace(err)
	}

	var previous *store.ProcessingExecution
	for _, candidate := range candidates {
		if err := candidate.Update(ctx); err != nil {
			return errors.Trace(err)
		}
		if a.matchesInputs(candidate, body) {
			previous = candidate
			break
		}
	}
	if previous == nil {
		return nil
	}

	if a.behavior == BehaviorStop {
		return sdkentrepot.Errorf("Le traitement a déjà été lancé pour mettre à jour cette donnée %s.", previous)
	}
	if err := storedData.Update(ctx); err != nil {
		return errors.Trace(err)
	}
	failed := previous.Status() == store.ExecutionStatusFailure || previous.Status() == store.ExecutionStatusAborted
	switch {
	case a.behavior == BehaviorDelete, a.behavior == BehaviorResume && failed:
		logger.Warningf("le traitement a déjà été lancé pour cette donnée (%s, statut %s), relance de la mise à jour", previous, previous.Status())
		a.pe = nil
	case a.behavior == BehaviorContinue, a.behavior == BehaviorResume:
		if storedData.Status() == store.StoredDataStatusUnstable {
			return sdkentrepot.Errorf("Le traitement précédent a échoué sur la donnée stockée en sortie %s. Impossible de lancer le traitement demandé : contactez le support de l'Entrepôt Géoplateforme pour faire réinitialiser son statut.", storedData)
		}
		a.storedData = storedData
		a.pe = previous
		logger.Infof("la donnée stockée en sortie %s est en cours de mise à jour, reprise du traitement associé %s", storedData, a.pe)
	default:
		return sdkentrepot.Errorf("Le comportement %s n'est pas reconnu (%s), l'exécution de traitement n'est pas possible.", a.behavior, behaviorsList())
	}
	return nil
}

// matchesInputs reports whether a candidate job consumes exactly the
// inputs of the definition, with the same parameters.
func (a *ProcessingExecutionAction) matchesInputs(candidate *store.ProcessingExecution, body store.Properties) bool {
	wantUploads := set.NewStrings(inputIDList(body, "upload")...)
	wantStoredData := set.NewStrings(inputIDList(body, "stored_data")...)
	gotUploads := set.NewStrings(candidate.InputIDs("upload")...)
	gotStoredData := set.NewStrings(candidate.InputIDs("stored_data")...)
	if !wantUploads.Difference(gotUploads).IsEmpty() || !gotUploads.Difference(wantUploads).IsEmpty() {
		return false
	}
	if !wantStoredData.Difference(gotStoredData).IsEmpty() || !gotStoredData.Difference(wantStoredData).IsEmpty() {
		return false
	}
	wantParams, _ := body["parameters"].(map[string]interface{})
	gotParams, _ := candidate.Prop("parameters").(map[string]interface{})
	if wantParams == nil {
		wantParams = map[string]interface{}{}
	}
	if gotParams == nil {
		gotParams = map[string]interface{}{}
	}
	return reflect.DeepEqual(wantParams, gotParams)
}

// inputIDList extracts the input id list of the given family from the
// definition body.
func inputIDList(body store.Properties, family string) []string {
	inputs, _ := body["inputs"].(map[string]interface{})
	raw, _ := inputs[family].([]interface{})
	ids := make([]string, 0, len(raw))
	for _, value := range raw {
		ids = append(ids, fmt.Sprint(value))
	}
	return ids
}

// findStoredData looks for a stored data equivalent to the one the job
// would create, per the configured uniqueness constraints.
func (a *ProcessingExecutionAction) findStoredData(ctx context.Context, datastore string) (*store.StoredData, error) {
	_, outputDef := a.outputDef()
	infos, tags := uniquenessFilters(a.cfg, "processing_execution", outputDef, a.def.Tags())
	results, err := store.ListStoredData(ctx, infos, tags, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

func (a *ProcessingExecutionAction) addTags(ctx context.Context) error {
	tags := map[string]string{}
	for key, value := range a.def.Tags() {
		tags[key] = value
	}
	if a.modeCartes && a.pe != nil {
		if err := a.addCartesTags(ctx, tags); err != nil {
			return errors.Trace(err)
		}
	}
	if len(a.def.Tags()) == 0 || a.noOutput {
		return nil
	}
	switch {
	case a.upload != nil:
		logger.Infof("%s : ajout de %d tags", a.upload, len(tags))
		return errors.Trace(a.upload.AddTags(ctx, tags))
	case a.storedData != nil:
		logger.Infof("%s : ajout de %d tags", a.storedData, len(tags))
		return errors.Trace(a.storedData.AddTags(ctx, tags))
	default:
		return &StepActionError{Message: "ni upload ni stored-data trouvé. Impossible d'ajouter les tags."}
	}
}

// addCartesTags maintains the cartes.gouv.fr conventional tags for the
// two processings the frontend tracks, and injects the linking tags
// into the set about to be applied on the output.
func (a *ProcessingExecutionAction) addCartesTags(ctx context.Context, tags map[string]string) error {
	switch a.pe.ProcessingID() {
	case a.cfg.StrDefault("compatibility_cartes", "id_mise_en_base", ""):
		if _, ok := tags["datasheet_name"]; !ok {
			return sdkentrepot.Errorf("Mode compatibility_cartes activé, il faut obligatoirement définir le tag 'datasheet_name'.")
		}
		if len(a.inputsUpload) == 0 || a.storedData == nil {
			return sdkentrepot.Errorf("Intégration de données vecteur livrées en base : input et output obligatoires.")
		}
		for _, upload := range a.inputsUpload {
			if err := upload.AddTags(ctx, map[string]string{
				"proc_int_id": a.pe.ID(),
				"vectordb_id": a.storedData.ID(),
			}); err != nil {
				return errors.Trace(err)
			}
			if err := cartesStageTag(ctx, a.cfg, upload, "execution_start"); err != nil {
				return errors.Trace(err)
			}
		}
		tags["uuid_upload"] = a.inputsUpload[0].ID()
	case a.cfg.StrDefault("compatibility_cartes", "id_pyramide_vecteur", ""):
		if _, ok := tags["datasheet_name"]; !ok {
			return sdkentrepot.Errorf("Mode compatibility_cartes activé, il faut obligatoirement définir le tag 'datasheet_name'.")
		}
		if len(a.inputsStoredData) == 0 || a.storedData == nil {
			return sdkentrepot.Errorf("Création de pyramide vecteur : input et output obligatoires.")
		}
		tags["vectordb_id"] = a.inputsStoredData[0].ID()
		tags["proc_pyr_creat_id"] = a.pe.ID()
	}
	return nil
}

// addComments applies the definition's comments to the output entity,
// skipping those already present. Idempotent.
func (a *ProcessingExecutionAction) addComments(ctx context.Context) error {
	comments := a.def.Comments()
	if len(comments) == 0 || a.noOutput {
		return nil
	}
	var target store.Commented
	switch {
	case a.upload != nil:
		target = a.upload
	case a.storedData != nil:
		target = a.storedData
	default:
		return &StepActionError{Message: "ni upload ni stored-data trouvé. Impossible d'ajouter les commentaires."}
	}
	return errors.Trace(addMissingComments(ctx, target, comments))
}

func (a *ProcessingExecutionAction) launch(ctx context.Context) error {
	if a.pe == nil {
		return &StepActionError{Message: "Aucune exécution de traitement trouvée. Impossible de lancer le traitement."}
	}
	switch {
	case a.pe.Status() == store.ExecutionStatusCreated:
		return errors.Trace(a.pe.Launch(ctx))
	case a.behavior == BehaviorContinue || a.behavior == BehaviorResume:
		logger.Infof("%s : déjà lancée", a.pe)
		return nil
	default:
		return &StepActionError{Message: "L'exécution de traitement est déjà lancée."}
	}
}

// terminal reports whether a job status is final.
func terminal(status string) bool {
	switch status {
	case store.ExecutionStatusSuccess, store.ExecutionStatusFailure, store.ExecutionStatusAborted:
		return true
	}
	return false
}

// MonitorUntilEnd polls the job until it reaches a terminal status and
// returns that status. callback, when non nil, is invoked once per
// polling iteration including the final one. ctrlC decides what a user
// interruption does: returning false resumes the monitoring, returning
// true (or a nil ctrlC) aborts the job, waits for it to settle,
// deletes the freshly created output if the job ended ABORTED, and
// returns ErrInterrupted.
func (a *ProcessingExecutionAction) MonitorUntilEnd(ctx context.Context, callback func(*store.ProcessingExecution), ctrlC func() bool) (string, error) {
	if a.pe == nil {
		return "", &StepActionError{Message: "Aucune exécution de traitement trouvée. Impossible de suivre le déroulement du traitement."}
	}
	emit := func() {
		if callback != nil {
			callback(a.pe)
		}
	}
	period := time.Duration(a.cfg.IntDefault("processing_execution", "nb_sec_between_check_updates", 10)) * time.Second
	logger.Infof("monitoring du traitement toutes les %v", period)

	if err := a.pe.Update(ctx); err != nil {
		return "", errors.Trace(err)
	}
	for !terminal(a.pe.Status()) {
		emit()
		select {
		case <-clk.After(period):
		case <-interrupts:
			status, handled, err := a.handleInterrupt(ctx, emit, ctrlC)
			if handled {
				return status, err
			}
		case <-ctx.Done():
			return "", errors.Trace(ctx.Err())
		}
		if err := a.pe.Update(ctx); err != nil {
			return "", errors.Trace(err)
		}
	}
	emit()
	if err := a.tagCartesEnd(ctx); err != nil {
		return "", errors.Trace(err)
	}
	return a.pe.Status(), nil
}

// handleInterrupt applies the interruption protocol. handled is false
// when the ctrlC handler declined and the monitoring must resume.
func (a *ProcessingExecutionAction) handleInterrupt(ctx context.Context, emit func(), ctrlC func() bool) (status string, handled bool, err error) {
	if err := a.pe.Update(ctx); err != nil {
		return "", true, errors.Trace(err)
	}
	// Already settled: nothing to abort, pass the interruption on.
	if terminal(a.pe.Status()) {
		emit()
		logger.Warningf("traitement déjà terminé")
		return a.pe.Status(), true, ErrInterrupted
	}
	if ctrlC != nil && !ctrlC() {
		return "", false, nil
	}
	logger.Warningf("interruption : annulation du traitement en cours, veuillez patienter...")
	if err := a.pe.Abort(ctx); err != nil {
		return "", true, errors.Trace(err)
	}
	for {
		if err := a.pe.Update(ctx); err != nil {
			return "", true, errors.Trace(err)
		}
		if terminal(a.pe.Status()) {
			break
		}
		select {
		case <-clk.After(abortPoll):
		case <-ctx.Done():
			return "", true, errors.Trace(ctx.Err())
		}
	}
	emit()
	if a.pe.Status() == store.ExecutionStatusAborted && a.outputNewEntity() {
		switch {
		case a.upload != nil:
			logger.Warningf("suppression de la livraison en cours de remplissage suite à l'interruption")
			if err := a.upload.Delete(ctx); err != nil {
				return "", true, errors.Trace(err)
			}
		case a.storedData != nil:
			logger.Warningf("suppression de la donnée stockée en cours de remplissage suite à l'interruption")
			if err := a.storedData.Delete(ctx); err != nil {
				return "", true, errors.Trace(err)
			}
		}
	}
	return a.pe.Status(), true, ErrInterrupted
}

// tagCartesEnd stamps the input uploads with the final
// integration_progress value once a mise-en-base job has settled.
func (a *ProcessingExecutionAction) tagCartesEnd(ctx context.Context) error {
	if !a.modeCartes || a.pe.ProcessingID() != a.cfg.StrDefault("compatibility_cartes", "id_mise_en_base", "") {
		return nil
	}
	if len(a.inputsUpload) == 0 {
		return sdkentrepot.Errorf("Intégration de données vecteur livrées en base : input et output obligatoires.")
	}
	stage := "execution_end_ko"
	if a.pe.Status() == store.ExecutionStatusSuccess {
		stage = "execution_end_ok"
	}
	for _, upload := range a.inputsUpload {
		if err := cartesStageTag(ctx, a.cfg, upload, stage); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

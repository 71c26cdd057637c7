package action

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

// UploadAction creates or finds an upload, pushes its local files and
// checksums, closes it and leaves it to the server-side checks.
//
// Beyond the common definition keys, it reads:
//   - data_files: {local path: remote directory} of data files to push
//   - md5_files: [local paths] of md5 checksum files to push
type UploadAction struct {
	base

	upload *store.Upload
}

// Upload returns the reconciled upload, nil before Run.
func (a *UploadAction) Upload() *store.Upload {
	return a.upload
}

// Run is part of the Action interface.
func (a *UploadAction) Run(ctx context.Context, datastore string) error {
	if err := a.reconcile(ctx, datastore); err != nil {
		return errors.Trace(err)
	}
	if a.upload == nil {
		upload, err := store.CreateUpload(ctx, a.def.BodyParameters(), datastore)
		if err != nil {
			return errors.Trace(err)
		}
		a.upload = upload
		logger.Infof("%s créée", a.upload)
	}
	if err := a.upload.AddTags(ctx, a.def.Tags()); err != nil {
		return errors.Trace(err)
	}
	if err := a.addComments(ctx); err != nil {
		return errors.Trace(err)
	}
	if !a.upload.IsOpen() {
		logger.Infof("%s déjà fermée, fichiers non poussés", a.upload)
		return nil
	}
	if cartesMode(a.cfg) {
		if err := cartesStageTag(ctx, a.cfg, a.upload, "upload_start"); err != nil {
			return errors.Trace(err)
		}
	}
	if err := a.pushFiles(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.upload.Close(ctx))
}

// reconcile applies the behavior policy against an equivalent remote
// upload.
func (a *UploadAction) reconcile(ctx context.Context, datastore string) error {
	infos, tags := uniquenessFilters(a.cfg, "upload", a.def.BodyParameters(), a.def.Tags())
	uploads, err := store.ListUploads(ctx, infos, tags, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	if len(uploads) == 0 {
		return nil
	}
	existing := uploads[0]
	switch a.behavior {
	case BehaviorStop:
		return sdkentrepot.Errorf("Impossible de créer la livraison, une livraison équivalente %s existe déjà.", existing)
	case BehaviorDelete:
		logger.Warningf("une livraison équivalente à %s va être supprimée puis recréée", existing)
		if err := existing.Delete(ctx); err != nil {
			return errors.Trace(err)
		}
	case BehaviorContinue, BehaviorResume:
		if err := existing.Update(ctx); err != nil {
			return errors.Trace(err)
		}
		if existing.Status() == store.UploadStatusUnstable {
			return sdkentrepot.Errorf("La livraison précédente %s est en échec. Impossible de reprendre la livraison.", existing)
		}
		logger.Infof("la livraison %s existe déjà, reprise", existing)
		a.upload = existing
	default:
		return sdkentrepot.Errorf("Le comportement %s n'est pas reconnu (%s), la livraison n'est pas possible.", a.behavior, behaviorsList())
	}
	return nil
}

// dataFiles returns the local data files to push, keyed by path, with
// their remote directory.
func (a *UploadAction) dataFiles() map[string]string {
	raw, _ := a.def["data_files"].(map[string]interface{})
	files := make(map[string]string, len(raw))
	for path, dir := range raw {
		files[path] = fmt.Sprint(dir)
	}
	return files
}

// md5Files returns the local checksum files to push.
func (a *UploadAction) md5Files() []string {
	raw, _ := a.def["md5_files"].([]interface{})
	files := make([]string, 0, len(raw))
	for _, path := range raw {
		if s, ok := path.(string); ok {
			files = append(files, s)
		}
	}
	return files
}

func (a *UploadAction) pushFiles(ctx context.Context) error {
	files := a.dataFiles()
	for _, path := range sortedFileKeys(files) {
		if err := a.upload.PushDataFile(ctx, path, files[path]); err != nil {
			return errors.Trace(err)
		}
	}
	for _, path := range a.md5Files() {
		if err := a.upload.PushMD5File(ctx, path); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (a *UploadAction) addComments(ctx context.Context) error {
	return errors.Trace(addMissingComments(ctx, a.upload, a.def.Comments()))
}

// MonitorUntilEnd polls the upload while the server-side checks run
// and reports whether they all passed: the upload leaves CHECKING for
// CLOSED on success, UNSTABLE on failure. callback, when non nil, is
// invoked once per polling iteration including the final one.
func (a *UploadAction) MonitorUntilEnd(ctx context.Context, callback func(*store.Upload)) (bool, error) {
	if a.upload == nil {
		return false, &StepActionError{Message: "Aucune livraison trouvée. Impossible de suivre les vérifications."}
	}
	emit := func() {
		if callback != nil {
			callback(a.upload)
		}
	}
	period := time.Duration(a.cfg.IntDefault("upload", "nb_sec_between_check_updates", 5)) * time.Second

	if err := a.upload.Update(ctx); err != nil {
		return false, errors.Trace(err)
	}
	for a.upload.Status() == store.UploadStatusChecking {
		emit()
		select {
		case <-clk.After(period):
		case <-ctx.Done():
			return false, errors.Trace(ctx.Err())
		}
		if err := a.upload.Update(ctx); err != nil {
			return false, errors.Trace(err)
		}
	}
	emit()
	ok := a.upload.Status() == store.UploadStatusClosed
	if cartesMode(a.cfg) {
		stage := "upload_end_ko"
		if ok {
			stage = "upload_end_ok"
		}
		if err := cartesStageTag(ctx, a.cfg, a.upload, stage); err != nil {
			return false, errors.Trace(err)
		}
	}
	return ok, nil
}

func sortedFileKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

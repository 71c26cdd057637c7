// Package workflow loads, validates and drives the declarative
// workflow documents describing a chain of steps on the Entrepôt
// Géoplateforme: each step is a list of actions, steps are ordered by
// their parents, and processing executions are monitored to their
// terminal status.
package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/gojsonschema"
	"github.com/juju/loggo/v2"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/store"
	"github.com/Geoplateforme/sdk-entrepot/workflow/action"
)

var logger = loggo.GetLogger("sdk.entrepot.workflow")

//go:embed schema.json
var schemaJSON []byte

// Workflow is a parsed workflow document.
type Workflow struct {
	name string
	doc  map[string]interface{}
}

// New builds a workflow from an already parsed document.
func New(name string, doc map[string]interface{}) *Workflow {
	return &Workflow{name: name, doc: doc}
}

// Load reads a workflow file. The document may carry // and /* */
// comments, which are stripped before parsing.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sdkentrepot.Errorf("Le fichier de workflow %s est introuvable. Contactez le support.", path)
		}
		return nil, errors.Trace(err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(stripComments(data), &doc); err != nil {
		return nil, sdkentrepot.Errorf("Fichier JSON %s non parsable : %v", path, err)
	}
	return New(filepath.Base(path), doc), nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string {
	return w.name
}

// steps returns the raw step map of the document.
func (w *Workflow) steps() map[string]interface{} {
	raw, _ := w.doc["workflow"].(map[string]interface{})
	steps, _ := raw["steps"].(map[string]interface{})
	return steps
}

// step returns one raw step definition.
func (w *Workflow) step(name string) (map[string]interface{}, bool) {
	step, ok := w.steps()[name].(map[string]interface{})
	return step, ok
}

// Steps returns the step names in lexical order.
func (w *Workflow) Steps() []string {
	steps := w.steps()
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StepSummaries describes each step and its parents, one line per
// step, in lexical order.
func (w *Workflow) StepSummaries() []string {
	var lines []string
	for _, name := range w.Steps() {
		step, _ := w.step(name)
		lines = append(lines, fmt.Sprintf("Etape « %s » [parent(s) : %s]", name, strings.Join(stepParents(step), ", ")))
	}
	return lines
}

func stepParents(step map[string]interface{}) []string {
	raw, _ := step["parents"].([]interface{})
	parents := make([]string, 0, len(raw))
	for _, value := range raw {
		if s, ok := value.(string); ok {
			parents = append(parents, s)
		}
	}
	return parents
}

// Validate checks the document against the workflow schema and the
// structural rules the schema cannot express. It returns one message
// per problem found, or nil when the workflow is valid.
func (w *Workflow) Validate() []string {
	var problems []string
	var schema interface{}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return []string{"Le schéma décrivant la structure d'un workflow est invalide. Contactez le support."}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(w.doc))
	if err != nil {
		return []string{fmt.Sprintf("Le workflow ne respecte pas le schéma demandé. Erreur de schéma :\n%v", err)}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		problems = append(problems, fmt.Sprintf("Le workflow ne respecte pas le schéma demandé. Erreur de schéma :\n%s", strings.Join(details, "\n")))
	}
	for _, name := range w.Steps() {
		step, _ := w.step(name)
		for _, parent := range stepParents(step) {
			if _, ok := w.step(parent); !ok {
				problems = append(problems, fmt.Sprintf("Le parent « %s » de l'étape « %s » n'est pas défini dans le workflow.", parent, name))
			}
		}
		defs, err := w.stepActions(name, step)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if len(defs) == 0 {
			problems = append(problems, fmt.Sprintf("L'étape « %s » n'a aucune action de défini.", name))
			continue
		}
		for i, def := range defs {
			if _, ok := def["type"]; !ok {
				problems = append(problems, fmt.Sprintf("L'action n°%d de l'étape « %s » n'a pas la clef obligatoire ('type').", i+1, name))
				continue
			}
			if _, err := action.Generate(name, def, ""); err != nil {
				problems = append(problems, fmt.Sprintf("L'action n°%d de l'étape « %s » n'est pas instantiable (%s).", i+1, name, err))
			}
		}
	}
	return problems
}

// RunOptions tunes a step or workflow run.
type RunOptions struct {
	// Behavior overrides the configured policy for existing entities.
	Behavior action.Behavior
	// Datastore overrides every datastore named in the document.
	Datastore string
	// Tags and Comments are merged into every action, with the
	// document's own tags and comments taking precedence.
	Tags     map[string]string
	Comments []string
	// Callback observes each refresh of a monitored processing
	// execution.
	Callback func(*store.ProcessingExecution)
	// UploadCallback observes each refresh of a monitored upload.
	UploadCallback func(*store.Upload)
	// CtrlC decides whether an interruption request must abort the
	// monitored entity; declining resumes the monitoring.
	CtrlC func() bool
}

// RunStep runs the actions of one named step sequentially and returns
// them once they all completed.
func (w *Workflow) RunStep(ctx context.Context, stepName string, opts RunOptions) ([]action.Action, error) {
	step, ok := w.step(stepName)
	if !ok {
		return nil, &WorkflowError{Message: fmt.Sprintf("L'étape %s n'est pas définie dans le workflow %s", stepName, w.name)}
	}
	logger.Infof("Exécution de l'étape %s du workflow %s", stepName, w.name)
	defs, err := w.stepActions(stepName, step)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(defs) == 0 {
		return nil, &WorkflowError{Message: fmt.Sprintf("L'étape « %s » n'a aucune action de défini.", stepName)}
	}
	var actions []action.Action
	for i, def := range defs {
		a, err := action.Generate(stepName, w.resolveDefinition(step, def, opts), opts.Behavior)
		if err != nil {
			return nil, errors.Annotatef(err, "étape %q, action n°%d", stepName, i+1)
		}
		datastore := w.resolveDatastore(step, def, opts)
		if err := a.Run(ctx, datastore); err != nil {
			return nil, errors.Annotatef(err, "étape %q, action n°%d", stepName, i+1)
		}
		if err := w.monitor(ctx, a, opts); err != nil {
			return nil, errors.Trace(err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// monitor waits for a monitorable action to reach its terminal status
// and fails on anything but a success.
func (w *Workflow) monitor(ctx context.Context, a action.Action, opts RunOptions) error {
	switch a := a.(type) {
	case *action.ProcessingExecutionAction:
		status, err := a.MonitorUntilEnd(ctx, opts.Callback, opts.CtrlC)
		if err != nil {
			return errors.Trace(err)
		}
		if status != store.ExecutionStatusSuccess {
			return &WorkflowError{Message: fmt.Sprintf("L'exécution de traitement %s ne s'est pas bien passée. Sortie %s.", a.ProcessingExecution(), status)}
		}
	case *action.UploadAction:
		ok, err := a.MonitorUntilEnd(ctx, opts.UploadCallback)
		if err != nil {
			return errors.Trace(err)
		}
		if !ok {
			return &WorkflowError{Message: fmt.Sprintf("Les vérifications de la livraison %s ont échoué.", a.Upload())}
		}
	}
	return nil
}

// Run runs every step of the workflow, ordered so that each step runs
// after all of its parents.
func (w *Workflow) Run(ctx context.Context, opts RunOptions) ([]action.Action, error) {
	order, err := w.stepOrder()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var actions []action.Action
	for _, name := range order {
		stepActions, err := w.RunStep(ctx, name, opts)
		if err != nil {
			return nil, errors.Trace(err)
		}
		actions = append(actions, stepActions...)
	}
	return actions, nil
}

// stepOrder topologically sorts the steps by their parents, breaking
// ties lexically.
func (w *Workflow) stepOrder() ([]string, error) {
	pending := set.NewStrings(w.Steps()...)
	done := set.NewStrings()
	var order []string
	for !pending.IsEmpty() {
		progressed := false
		for _, name := range pending.SortedValues() {
			step, _ := w.step(name)
			ready := true
			for _, parent := range stepParents(step) {
				if !pending.Contains(parent) && !done.Contains(parent) {
					return nil, &WorkflowError{Message: fmt.Sprintf("Le parent « %s » de l'étape « %s » n'est pas défini dans le workflow.", parent, name)}
				}
				if !done.Contains(parent) {
					ready = false
				}
			}
			if ready {
				order = append(order, name)
				pending.Remove(name)
				done.Add(name)
				progressed = true
			}
		}
		if !progressed {
			return nil, &WorkflowError{Message: fmt.Sprintf("Le workflow %s contient un cycle entre les étapes %s.", w.name, strings.Join(pending.SortedValues(), ", "))}
		}
	}
	return order, nil
}

// stepActions returns the action definitions of a step, expanding the
// iter_vals/iter_key iteration when the step declares one.
func (w *Workflow) stepActions(stepName string, step map[string]interface{}) ([]action.Definition, error) {
	raw, _ := step["actions"].([]interface{})
	defs := make([]action.Definition, 0, len(raw))
	for _, value := range raw {
		if def, ok := value.(map[string]interface{}); ok {
			defs = append(defs, action.Definition(def))
		}
	}
	iterKey, hasKey := step["iter_key"].(string)
	iterVals, hasVals := step["iter_vals"].([]interface{})
	if !hasKey && !hasVals {
		return defs, nil
	}
	if hasKey != hasVals {
		return nil, &WorkflowError{Message: fmt.Sprintf("Une seule des clefs iter_vals ou iter_key est trouvée: il faut mettre les deux valeurs ou aucune. Étape %s workflow %s", stepName, w.name)}
	}
	serialized, err := json.Marshal(defs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var expanded []action.Definition
	for _, val := range iterVals {
		switch val.(type) {
		case string, float64, bool:
		default:
			return nil, &WorkflowError{Message: fmt.Sprintf("Les valeurs d'itération de l'étape %s du workflow %s doivent être scalaires.", stepName, w.name)}
		}
		replaced := strings.ReplaceAll(string(serialized), "{"+iterKey+"}", fmt.Sprint(val))
		var batch []action.Definition
		if err := json.Unmarshal([]byte(replaced), &batch); err != nil {
			return nil, sdkentrepot.WrapError(err, "itération de l'étape %s du workflow %s", stepName, w.name)
		}
		expanded = append(expanded, batch...)
	}
	return expanded, nil
}

// resolveDefinition merges the run, workflow and step level tags and
// comments into an action definition. The action's own values win over
// the step's, the step's over the workflow's, the workflow's over the
// run options'.
func (w *Workflow) resolveDefinition(step map[string]interface{}, def action.Definition, opts RunOptions) action.Definition {
	tags := map[string]interface{}{}
	for key, value := range opts.Tags {
		tags[key] = value
	}
	mergeTags(tags, w.doc["tags"])
	mergeTags(tags, step["tags"])
	mergeTags(tags, def["tags"])

	comments := append([]interface{}{}, toAnySlice(opts.Comments)...)
	comments = append(comments, docComments(w.doc["comments"])...)
	comments = append(comments, docComments(step["comments"])...)
	comments = append(comments, docComments(def["comments"])...)

	resolved := action.Definition{}
	for key, value := range def {
		resolved[key] = value
	}
	if len(tags) > 0 {
		resolved["tags"] = tags
	}
	if len(comments) > 0 {
		resolved["comments"] = comments
	}
	return resolved
}

func mergeTags(into map[string]interface{}, raw interface{}) {
	tags, _ := raw.(map[string]interface{})
	for key, value := range tags {
		into[key] = value
	}
}

func docComments(raw interface{}) []interface{} {
	comments, _ := raw.([]interface{})
	return comments
}

func toAnySlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// resolveDatastore picks the datastore of an action: run option first,
// then the action, the step, and finally the workflow document. An
// empty result falls back to the configured datastore at request time.
func (w *Workflow) resolveDatastore(step map[string]interface{}, def action.Definition, opts RunOptions) string {
	if opts.Datastore != "" {
		return opts.Datastore
	}
	if ds, ok := def["datastore"].(string); ok && ds != "" {
		return ds
	}
	if ds, ok := step["datastore"].(string); ok && ds != "" {
		return ds
	}
	ds, _ := w.doc["datastore"].(string)
	return ds
}

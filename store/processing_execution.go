package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

// ProcessingExecution statuses.
const (
	ExecutionStatusCreated  = "CREATED"
	ExecutionStatusWaiting  = "WAITING"
	ExecutionStatusProgress = "PROGRESS"
	ExecutionStatusSuccess  = "SUCCESS"
	ExecutionStatusFailure  = "FAILURE"
	ExecutionStatusAborted  = "ABORTED"
)

// NoOutputSentinel marks a processing execution producing no output
// entity.
const NoOutputSentinel = "no_output"

// ProcessingExecution is a server-side job consuming inputs and
// producing at most one output entity.
type ProcessingExecution struct {
	StoreEntity
}

// NewProcessingExecution wraps an attribute map already fetched from
// the API.
func NewProcessingExecution(props Properties, datastore string) *ProcessingExecution {
	return &ProcessingExecution{StoreEntity{kind: processingExecutionKind, datastore: datastore, props: props}}
}

// GetProcessingExecution fetches one processing execution by id.
func GetProcessingExecution(ctx context.Context, id, datastore string) (*ProcessingExecution, error) {
	props, err := getProps(ctx, processingExecutionKind, id, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewProcessingExecution(props, datastore), nil
}

// ListProcessingExecutions lists processing executions matching the
// attribute filters.
func ListProcessingExecutions(ctx context.Context, infos map[string]string, datastore string) ([]*ProcessingExecution, error) {
	items, err := listProps(ctx, processingExecutionKind, infos, nil, datastore, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results := make([]*ProcessingExecution, len(items))
	for i, props := range items {
		results[i] = NewProcessingExecution(props, datastore)
	}
	return results, nil
}

// CreateProcessingExecution creates a job from the given body.
func CreateProcessingExecution(ctx context.Context, body Properties, datastore string) (*ProcessingExecution, error) {
	props, err := createProps(ctx, processingExecutionKind, body, nil, datastore)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewProcessingExecution(props, datastore), nil
}

// Launch starts the job.
func (p *ProcessingExecution) Launch(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("lancement de %s", p)
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        "processing_execution_launch",
		RouteParams: p.routeParams(),
	})
	return errors.Trace(err)
}

// Abort cancels the job.
func (p *ProcessingExecution) Abort(ctx context.Context) error {
	r, err := apiRequester()
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("annulation de %s", p)
	_, err = r.Route(ctx, requester.RouteRequest{
		Name:        "processing_execution_abort",
		RouteParams: p.routeParams(),
	})
	return errors.Trace(err)
}

// Logs returns the job's log text. The server answers either a raw
// string or a JSON array of lines; arrays are joined with newlines.
func (p *ProcessingExecution) Logs(ctx context.Context) (string, error) {
	r, err := apiRequester()
	if err != nil {
		return "", errors.Trace(err)
	}
	resp, err := r.Route(ctx, requester.RouteRequest{
		Name:        "processing_execution_logs",
		RouteParams: p.routeParams(),
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	var lines []interface{}
	if err := json.Unmarshal(resp.Body, &lines); err == nil {
		parts := make([]string, len(lines))
		for i, line := range lines {
			if s, ok := line.(string); ok {
				parts[i] = s
			} else {
				parts[i] = fmt.Sprint(line)
			}
		}
		return strings.Join(parts, "\n"), nil
	}
	var single string
	if err := json.Unmarshal(resp.Body, &single); err == nil {
		return single, nil
	}
	return string(resp.Body), nil
}

// ProcessingID returns the id of the processing this job runs.
func (p *ProcessingExecution) ProcessingID() string {
	if processing, ok := p.props["processing"].(map[string]interface{}); ok {
		if id, ok := processing["_id"].(string); ok {
			return id
		}
	}
	if id, ok := p.props["processing"].(string); ok {
		return id
	}
	return ""
}

// Output returns the job's output description: the entity family
// ("upload", "stored_data" or the no-output sentinel) and the output
// entity's attributes.
func (p *ProcessingExecution) Output() (family string, entity Properties) {
	output, ok := p.props["output"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	for _, key := range []string{"upload", "stored_data", NoOutputSentinel} {
		if value, ok := output[key]; ok {
			props, _ := value.(map[string]interface{})
			return key, Properties(props)
		}
	}
	return "", nil
}

// InputIDs returns the ids of the job's inputs of the given family
// ("upload" or "stored_data").
func (p *ProcessingExecution) InputIDs(family string) []string {
	inputs, ok := p.props["inputs"].(map[string]interface{})
	if !ok {
		return nil
	}
	items, ok := inputs[family].([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			ids = append(ids, v)
		case map[string]interface{}:
			if id, ok := v["_id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

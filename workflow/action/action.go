// Package action implements the declarative actions a workflow step is
// made of: each action reconciles a piece of remote state (upload,
// processing execution, configuration, offering, ...) with its
// definition, honouring the behavior policy when a matching entity
// already exists.
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/Geoplateforme/sdk-entrepot/config"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

var logger = loggo.GetLogger("sdk.entrepot.workflow.action")

// clk paces the monitoring loops.
var clk clock.Clock = clock.WallClock

// interrupts is watched by the monitoring loops; a receive is treated
// as a user interruption request.
var interrupts <-chan struct{}

// SetInterrupts installs the channel the monitoring loops watch for
// user interruption (typically fed from SIGINT). A nil channel
// disables interruption handling.
func SetInterrupts(ch <-chan struct{}) {
	interrupts = ch
}

// abortPoll is the cadence of the status poll after an abort request.
var abortPoll = 2 * time.Second

// Behavior selects what an action does when a matching remote entity
// already exists.
type Behavior string

const (
	BehaviorStop     Behavior = "STOP"
	BehaviorDelete   Behavior = "DELETE"
	BehaviorContinue Behavior = "CONTINUE"
	BehaviorResume   Behavior = "RESUME"
)

// Behaviors lists the recognised policies.
var Behaviors = []Behavior{BehaviorStop, BehaviorDelete, BehaviorContinue, BehaviorResume}

func behaviorsList() string {
	parts := make([]string, len(Behaviors))
	for i, b := range Behaviors {
		parts[i] = string(b)
	}
	return strings.Join(parts, "|")
}

// DefaultBehavior returns the configured fallback policy.
func DefaultBehavior(cfg *config.Config) Behavior {
	return Behavior(cfg.StrDefault("processing_execution", "behavior_if_exists", string(BehaviorStop)))
}

// Definition is the declarative description of one action, straight
// from the workflow document.
type Definition map[string]interface{}

// Type returns the action kind.
func (d Definition) Type() string {
	t, _ := d["type"].(string)
	return t
}

// BodyParameters returns the request body the action creates its
// entity with.
func (d Definition) BodyParameters() store.Properties {
	body, _ := d["body_parameters"].(map[string]interface{})
	return store.Properties(body)
}

// URLParameters returns the route parameters of the action.
func (d Definition) URLParameters() map[string]interface{} {
	params, _ := d["url_parameters"].(map[string]interface{})
	return params
}

// Tags returns the tags the action applies to its entity.
func (d Definition) Tags() map[string]string {
	raw, _ := d["tags"].(map[string]interface{})
	tags := make(map[string]string, len(raw))
	for key, value := range raw {
		tags[key] = fmt.Sprint(value)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// Comments returns the comments the action applies to its entity, in
// declaration order.
func (d Definition) Comments() []string {
	raw, _ := d["comments"].([]interface{})
	comments := make([]string, 0, len(raw))
	for _, value := range raw {
		if s, ok := value.(string); ok {
			comments = append(comments, s)
		}
	}
	return comments
}

// Action is one reconciliation unit of a workflow step.
type Action interface {
	// ContextName identifies the action in messages (its step).
	ContextName() string
	// Definition returns the declarative description.
	Definition() Definition
	// Run reconciles the remote state with the definition.
	Run(ctx context.Context, datastore string) error
}

// base carries what every action kind shares.
type base struct {
	context  string
	def      Definition
	cfg      *config.Config
	behavior Behavior
}

// ContextName is part of the Action interface.
func (b *base) ContextName() string {
	return b.context
}

// Definition is part of the Action interface.
func (b *base) Definition() Definition {
	return b.def
}

// Generate builds the action matching the definition's type.
func Generate(contextName string, def Definition, behavior Behavior) (Action, error) {
	cfg, err := config.Instance()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if behavior == "" {
		behavior = DefaultBehavior(cfg)
	}
	b := base{context: contextName, def: def, cfg: cfg, behavior: behavior}
	switch def.Type() {
	case "upload":
		return &UploadAction{base: b}, nil
	case "processing-execution":
		return newProcessingExecutionAction(b), nil
	case "configuration":
		return &ConfigurationAction{base: b}, nil
	case "offering":
		return &OfferingAction{base: b}, nil
	case "synchronization":
		return &SynchronizeOfferingAction{base: b}, nil
	case "edit-used-data":
		return &EditUsedDataAction{base: b}, nil
	case "access":
		return &AccessAction{base: b}, nil
	case "permission":
		return &PermissionAction{base: b}, nil
	case "":
		return nil, &StepActionError{Message: fmt.Sprintf("Action %s : le type de l'action n'est pas défini.", contextName)}
	default:
		return nil, &StepActionError{Message: fmt.Sprintf("Action %s : le type %q n'est pas reconnu.", contextName, def.Type())}
	}
}

// uniquenessFilters builds the attribute and tag filters identifying
// the entity an action would create, from the configured uniqueness
// constraints of the given section.
func uniquenessFilters(cfg *config.Config, section string, entityDef store.Properties, tags map[string]string) (infos, tagsFilter map[string]string) {
	infos = map[string]string{}
	for _, key := range splitConstraint(cfg.StrDefault(section, "uniqueness_constraint_infos", "")) {
		if value, ok := entityDef[key]; ok {
			infos[key] = fmt.Sprint(value)
		}
	}
	tagsFilter = map[string]string{}
	for _, key := range splitConstraint(cfg.StrDefault(section, "uniqueness_constraint_tags", "")) {
		if value, ok := tags[key]; ok {
			tagsFilter[key] = value
		}
	}
	return infos, tagsFilter
}

func splitConstraint(raw string) []string {
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

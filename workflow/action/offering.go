package action

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	sdkentrepot "github.com/Geoplateforme/sdk-entrepot"
	"github.com/Geoplateforme/sdk-entrepot/requester"
	"github.com/Geoplateforme/sdk-entrepot/store"
)

// publishPoll is the cadence of the status poll after an offering is
// created.
var publishPoll = time.Second

// OfferingAction publishes a configuration on an endpoint and waits
// for the offering to settle. The offering is located through its
// configuration (url_parameters.configuration) and the endpoint of the
// body, the API not allowing a direct lookup.
type OfferingAction struct {
	base

	offering *store.Offering
}

// Offering returns the reconciled offering, nil before Run.
func (a *OfferingAction) Offering() *store.Offering {
	return a.offering
}

func (a *OfferingAction) configurationID() string {
	return fmt.Sprint(a.def.URLParameters()["configuration"])
}

// endpointID digs the endpoint id out of the body, which may carry it
// directly or under {endpoint: {_id}}.
func (a *OfferingAction) endpointID() string {
	switch endpoint := a.def.BodyParameters()["endpoint"].(type) {
	case string:
		return endpoint
	case map[string]interface{}:
		if id, ok := endpoint["_id"].(string); ok {
			return id
		}
	}
	return ""
}

// Run is part of the Action interface.
func (a *OfferingAction) Run(ctx context.Context, datastore string) error {
	if err := a.reconcile(ctx, datastore); err != nil {
		return errors.Trace(err)
	}
	if a.offering == nil {
		if err := a.create(ctx, datastore); err != nil {
			return errors.Trace(err)
		}
	}
	for _, url := range a.offering.URLs() {
		logger.Infof("%s : %s", a.offering, url)
	}
	return errors.Trace(a.waitPublication(ctx))
}

// find locates an existing offering of the configuration on the same
// endpoint.
func (a *OfferingAction) find(ctx context.Context, datastore string) (*store.Offering, error) {
	configuration := store.NewConfiguration(store.Properties{"_id": a.configurationID()}, datastore)
	offerings, err := configuration.ListOfferings(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	endpoint := a.endpointID()
	for _, offering := range offerings {
		if err := offering.Update(ctx); err != nil {
			return nil, errors.Trace(err)
		}
		if offeringEndpointID(offering) == endpoint {
			return offering, nil
		}
	}
	return nil, nil
}

func offeringEndpointID(offering *store.Offering) string {
	switch endpoint := offering.Prop("endpoint").(type) {
	case string:
		return endpoint
	case map[string]interface{}:
		if id, ok := endpoint["_id"].(string); ok {
			return id
		}
	}
	return ""
}

func (a *OfferingAction) reconcile(ctx context.Context, datastore string) error {
	existing, err := a.find(ctx, datastore)
	if err != nil {
		return errors.Trace(err)
	}
	if existing == nil {
		return nil
	}
	switch a.behavior {
	case BehaviorStop:
		return sdkentrepot.Errorf("Impossible de créer l'offre, une offre équivalente %s existe déjà.", existing)
	case BehaviorDelete:
		logger.Warningf("une offre équivalente à %s va être supprimée puis recréée", existing)
		if err := existing.Delete(ctx); err != nil {
			return errors.Trace(err)
		}
	case BehaviorContinue, BehaviorResume:
		logger.Infof("l'offre %s existe déjà, reprise", existing)
		a.offering = existing
	default:
		return sdkentrepot.Errorf("Le comportement %s n'est pas reconnu (%s), la publication n'est pas possible.", a.behavior, behaviorsList())
	}
	return nil
}

func (a *OfferingAction) create(ctx context.Context, datastore string) error {
	configuration := store.NewConfiguration(store.Properties{"_id": a.configurationID()}, datastore)
	offering, err := configuration.AddOffering(ctx, a.def.BodyParameters())
	if err != nil {
		var conflict *requester.ConflictError
		if errors.As(err, &conflict) {
			return &StepActionError{Message: fmt.Sprintf("Impossible de créer l'offre : conflit (%s).", conflict.Message())}
		}
		return errors.Trace(err)
	}
	a.offering = offering
	logger.Infof("%s créée", a.offering)
	return nil
}

// waitPublication polls the offering until it leaves the transient
// publication statuses; UNSTABLE is a publication failure.
func (a *OfferingAction) waitPublication(ctx context.Context) error {
	for {
		switch a.offering.Status() {
		case store.OfferingStatusPublished:
			logger.Infof("%s publiée", a.offering)
			return nil
		case store.OfferingStatusUnstable:
			return &StepActionError{Message: fmt.Sprintf("Échec de la publication de %s (statut UNSTABLE).", a.offering)}
		}
		select {
		case <-clk.After(publishPoll):
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
		if err := a.offering.Update(ctx); err != nil {
			return errors.Trace(err)
		}
	}
}

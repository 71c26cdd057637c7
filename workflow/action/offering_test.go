package action_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/Geoplateforme/sdk-entrepot/workflow/action"
)

type offeringActionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&offeringActionSuite{})

func (s *offeringActionSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.PatchValue(action.PublishPoll, time.Duration(0))
}

func offeringDef() action.Definition {
	return action.Definition{
		"type": "offering",
		"url_parameters": map[string]interface{}{
			"configuration": "cfg-1",
		},
		"body_parameters": map[string]interface{}{
			"endpoint":   map[string]interface{}{"_id": "ep-1"},
			"visibility": "PUBLIC",
		},
	}
}

func newOfferingAction(c *gc.C, behavior action.Behavior) *action.OfferingAction {
	a, err := action.Generate("étape", offeringDef(), behavior)
	c.Assert(err, jc.ErrorIsNil)
	return a.(*action.OfferingAction)
}

func (s *offeringActionSuite) TestRunPublishes(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	// Another endpoint's offering does not get in the way.
	t.stub("GET", base+"/configurations/cfg-1/offerings", routeResponse{body: `[{"_id": "off-9"}]`})
	t.stub("GET", base+"/offerings/off-9", routeResponse{body: `{"_id": "off-9", "endpoint": {"_id": "ep-2"}, "status": "PUBLISHED"}`})
	t.stub("POST", base+"/configurations/cfg-1/offerings", routeResponse{body: `{
		"_id": "off-1",
		"status": "PUBLISHING",
		"endpoint": {"_id": "ep-1"},
		"urls": [{"type": "WFS", "url": "https://data.test/wfs"}]
	}`})
	t.stub("GET", base+"/offerings/off-1", routeResponse{body: `{"_id": "off-1", "status": "PUBLISHED", "endpoint": {"_id": "ep-1"}}`})

	a := newOfferingAction(c, action.BehaviorStop)
	err := a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.Offering().ID(), gc.Equals, "off-1")
	c.Check(a.Offering().Status(), gc.Equals, "PUBLISHED")
}

func (s *offeringActionSuite) TestRunStopOnExisting(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1/offerings", routeResponse{body: `[{"_id": "off-9"}]`})
	t.stub("GET", base+"/offerings/off-9", routeResponse{body: `{"_id": "off-9", "endpoint": {"_id": "ep-1"}, "status": "PUBLISHED"}`})

	a := newOfferingAction(c, action.BehaviorStop)
	err := a.Run(context.Background(), "")
	c.Assert(err, gc.ErrorMatches, "Impossible de créer l'offre, une offre équivalente .* existe déjà\\.")
	c.Check(t.count("POST", base+"/configurations/cfg-1/offerings"), gc.Equals, 0)
}

func (s *offeringActionSuite) TestRunContinueReuses(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1/offerings", routeResponse{body: `[{"_id": "off-9"}]`})
	t.stub("GET", base+"/offerings/off-9", routeResponse{body: `{"_id": "off-9", "endpoint": {"_id": "ep-1"}, "status": "PUBLISHED", "urls": ["https://data.test/wfs"]}`})

	a := newOfferingAction(c, action.BehaviorContinue)
	err := a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.Offering().ID(), gc.Equals, "off-9")
	c.Check(t.count("POST", base+"/configurations/cfg-1/offerings"), gc.Equals, 0)
}

func (s *offeringActionSuite) TestRunConflict(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1/offerings", routeResponse{body: `[]`})
	t.stub("POST", base+"/configurations/cfg-1/offerings", routeResponse{
		status: 409,
		body:   `{"error_description": ["une offre existe déjà sur cet endpoint"]}`,
	})

	a := newOfferingAction(c, action.BehaviorStop)
	err := a.Run(context.Background(), "")
	var stepErr *action.StepActionError
	c.Assert(errors.As(err, &stepErr), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, ".*Impossible de créer l'offre : conflit \\(une offre existe déjà sur cet endpoint\\)\\.")
}

func (s *offeringActionSuite) TestRunPublicationFails(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1/offerings", routeResponse{body: `[]`})
	t.stub("POST", base+"/configurations/cfg-1/offerings", routeResponse{body: `{"_id": "off-1", "status": "PUBLISHING", "endpoint": {"_id": "ep-1"}}`})
	t.stub("GET", base+"/offerings/off-1", routeResponse{body: `{"_id": "off-1", "status": "UNSTABLE"}`})

	a := newOfferingAction(c, action.BehaviorStop)
	err := a.Run(context.Background(), "")
	c.Check(err, gc.ErrorMatches, ".*Échec de la publication de .*")
}

package action_test

import (
	"context"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/Geoplateforme/sdk-entrepot/workflow/action"
)

type simpleActionsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&simpleActionsSuite{})

func configurationDef() action.Definition {
	return action.Definition{
		"type": "configuration",
		"body_parameters": map[string]interface{}{
			"name": "flux-parcelles",
			"type": "WFS",
		},
		"tags":     map[string]interface{}{"datasheet_name": "fiche"},
		"comments": []interface{}{"créé par le sdk"},
	}
}

func (s *simpleActionsSuite) TestConfigurationCreate(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations", routeResponse{body: `[]`})
	t.stub("POST", base+"/configurations", routeResponse{body: `{"_id": "cfg-1", "name": "flux-parcelles"}`})
	t.stub("POST", base+"/configurations/cfg-1/tags", routeResponse{})
	t.stub("GET", base+"/configurations/cfg-1", routeResponse{body: `{"_id": "cfg-1", "name": "flux-parcelles"}`})
	t.stub("GET", base+"/configurations/cfg-1/comments", routeResponse{body: `[]`})
	t.stub("POST", base+"/configurations/cfg-1/comments", routeResponse{})

	a, err := action.Generate("étape", configurationDef(), action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)

	cfgAction := a.(*action.ConfigurationAction)
	c.Check(cfgAction.Configuration().ID(), gc.Equals, "cfg-1")
	c.Check(t.calls[0], gc.Equals, "GET "+base+"/configurations?name=flux-parcelles&page=1&limit=50")
	c.Check(t.lastBody("POST", base+"/configurations/cfg-1/tags"), jc.Contains, `"datasheet_name":"fiche"`)
	c.Check(t.lastBody("POST", base+"/configurations/cfg-1/comments"), jc.Contains, "créé par le sdk")
}

func (s *simpleActionsSuite) TestConfigurationStopOnExisting(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations", routeResponse{body: `[{"_id": "cfg-9", "name": "flux-parcelles"}]`})

	a, err := action.Generate("étape", configurationDef(), action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, gc.ErrorMatches, "Impossible de créer la configuration, une configuration équivalente .* existe déjà\\.")
	c.Check(t.count("POST", base+"/configurations"), gc.Equals, 0)
}

func (s *simpleActionsSuite) TestConfigurationDeleteRecreates(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations", routeResponse{body: `[{"_id": "cfg-9", "name": "flux-parcelles"}]`})
	t.stub("DELETE", base+"/configurations/cfg-9", routeResponse{})
	t.stub("POST", base+"/configurations", routeResponse{body: `{"_id": "cfg-1", "name": "flux-parcelles"}`})
	t.stub("POST", base+"/configurations/cfg-1/tags", routeResponse{})
	t.stub("GET", base+"/configurations/cfg-1", routeResponse{body: `{"_id": "cfg-1", "name": "flux-parcelles"}`})
	t.stub("GET", base+"/configurations/cfg-1/comments", routeResponse{body: `[]`})
	t.stub("POST", base+"/configurations/cfg-1/comments", routeResponse{})

	a, err := action.Generate("étape", configurationDef(), action.BehaviorDelete)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.count("DELETE", base+"/configurations/cfg-9"), gc.Equals, 1)
	c.Check(a.(*action.ConfigurationAction).Configuration().ID(), gc.Equals, "cfg-1")
}

func (s *simpleActionsSuite) TestConfigurationContinueReuses(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations", routeResponse{body: `[{"_id": "cfg-9", "name": "flux-parcelles"}]`})
	t.stub("POST", base+"/configurations/cfg-9/tags", routeResponse{})
	t.stub("GET", base+"/configurations/cfg-9", routeResponse{body: `{"_id": "cfg-9", "name": "flux-parcelles"}`})
	t.stub("GET", base+"/configurations/cfg-9/comments", routeResponse{body: `[{"text": "créé par le sdk"}]`})

	a, err := action.Generate("étape", configurationDef(), action.BehaviorContinue)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.(*action.ConfigurationAction).Configuration().ID(), gc.Equals, "cfg-9")
	c.Check(t.count("POST", base+"/configurations"), gc.Equals, 0)
	c.Check(t.count("POST", base+"/configurations/cfg-9/comments"), gc.Equals, 0)
}

func (s *simpleActionsSuite) TestSynchronizeOffering(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/offerings/off-1", routeResponse{body: `{"_id": "off-1", "status": "PUBLISHED"}`})
	t.stub("PUT", base+"/offerings/off-1", routeResponse{})

	def := action.Definition{
		"type": "synchronization",
		"url_parameters": map[string]interface{}{
			"offering": "off-1",
		},
	}
	a, err := action.Generate("étape", def, action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.count("PUT", base+"/offerings/off-1"), gc.Equals, 1)
}

func (s *simpleActionsSuite) TestEditUsedData(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1", routeResponse{body: `{
		"_id": "cfg-1",
		"name": "flux-parcelles",
		"type_infos": {"used_data": [{"stored_data": "sd-0"}, {"stored_data": "sd-1"}]}
	}`})
	t.stub("PUT", base+"/configurations/cfg-1", routeResponse{})

	def := action.Definition{
		"type": "edit-used-data",
		"url_parameters": map[string]interface{}{
			"configuration": "cfg-1",
		},
		"delete_used_data": []interface{}{0.0},
		"append_used_data": []interface{}{map[string]interface{}{"stored_data": "sd-2"}},
	}
	a, err := action.Generate("étape", def, action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)

	body := t.lastBody("PUT", base+"/configurations/cfg-1")
	c.Check(body, jc.Contains, `"used_data":[{"stored_data":"sd-1"},{"stored_data":"sd-2"}]`)
}

func (s *simpleActionsSuite) TestEditUsedDataIndexOutOfRange(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("GET", base+"/configurations/cfg-1", routeResponse{body: `{"_id": "cfg-1", "type_infos": {"used_data": []}}`})

	def := action.Definition{
		"type": "edit-used-data",
		"url_parameters": map[string]interface{}{
			"configuration": "cfg-1",
		},
		"delete_used_data": []interface{}{4.0},
	}
	a, err := action.Generate("étape", def, action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, gc.ErrorMatches, ".*Indice de used_data hors limites : 4 \\(taille 0\\)\\.")
	c.Check(t.count("PUT", base+"/configurations/cfg-1"), gc.Equals, 0)
}

func (s *simpleActionsSuite) TestAccessCreate(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("POST", base+"/users/u-1/accesses", routeResponse{status: 204})

	def := action.Definition{
		"type": "access",
		"url_parameters": map[string]interface{}{
			"user": "u-1",
		},
		"body_parameters": map[string]interface{}{
			"permission": "perm-1",
			"offerings":  []interface{}{"off-1"},
		},
	}
	a, err := action.Generate("étape", def, action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.lastBody("POST", base+"/users/u-1/accesses"), jc.Contains, `"permission":"perm-1"`)
}

func (s *simpleActionsSuite) TestPermissionCreate(c *gc.C) {
	t := newEnv(c, s.AddCleanup, "")
	t.stub("POST", base+"/permissions", routeResponse{body: `{"_id": "perm-1", "licence": "licence ouverte"}`})

	def := action.Definition{
		"type": "permission",
		"body_parameters": map[string]interface{}{
			"licence":   "licence ouverte",
			"offerings": []interface{}{"off-1"},
		},
	}
	a, err := action.Generate("étape", def, action.BehaviorStop)
	c.Assert(err, jc.ErrorIsNil)
	err = a.Run(context.Background(), "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(a.(*action.PermissionAction).Permission().ID(), gc.Equals, "perm-1")
	c.Check(t.count("POST", base+"/permissions"), gc.Equals, 1)
}

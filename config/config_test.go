package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/Geoplateforme/sdk-entrepot/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) writeINI(c *gc.C, content string) string {
	path := filepath.Join(c.MkDir(), "config.ini")
	err := os.WriteFile(path, []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
	return path
}

func (s *configSuite) TestEmbeddedDefaults(c *gc.C) {
	cfg, err := config.Load()
	c.Assert(err, jc.ErrorIsNil)
	// The embedded defaults carry the whole route table.
	route, err := cfg.Route("upload_create")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(route.Method, gc.Equals, "POST")
	c.Check(route.URL, gc.Equals, "/uploads")
	c.Check(cfg.IntDefault("store_api", "nb_attempts", 0), gc.Not(gc.Equals), 0)
}

func (s *configSuite) TestFileOverridesDefaults(c *gc.C) {
	path := s.writeINI(c, "[store_api]\nroot_url = https://exemple.test\n")
	cfg, err := config.Load(path)
	c.Assert(err, jc.ErrorIsNil)
	v, err := cfg.Str("store_api", "root_url")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, "https://exemple.test")
}

func (s *configSuite) TestLaterFileWins(c *gc.C) {
	first := s.writeINI(c, "[store_api]\ndatastore = ds-premier\n")
	second := s.writeINI(c, "[store_api]\ndatastore = ds-second\n")
	cfg, err := config.Load(first, second)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.StrDefault("store_api", "datastore", ""), gc.Equals, "ds-second")
}

func (s *configSuite) TestMissingFileSkipped(c *gc.C) {
	cfg, err := config.Load("/nulle/part/config.ini")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg, gc.NotNil)
}

func (s *configSuite) TestEnvOverride(c *gc.C) {
	s.PatchEnvironment("GPF_STORE_API__ROOT_URL", "https://env.test")
	cfg, err := config.Load()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.StrDefault("store_api", "root_url", ""), gc.Equals, "https://env.test")
}

func (s *configSuite) TestTypedAccessors(c *gc.C) {
	path := s.writeINI(c, `[mesures]
entier = 12
flottant = 2.5
booleen = true
casse = Pas Un Nombre
`)
	cfg, err := config.Load(path)
	c.Assert(err, jc.ErrorIsNil)

	i, err := cfg.Int("mesures", "entier")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(i, gc.Equals, 12)

	f, err := cfg.Float("mesures", "flottant")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(f, gc.Equals, 2.5)

	b, err := cfg.Bool("mesures", "booleen")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(b, jc.IsTrue)

	_, err = cfg.Int("mesures", "casse")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(cfg.IntDefault("mesures", "casse", 7), gc.Equals, 7)

	_, err = cfg.Str("mesures", "absent")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *configSuite) TestRouteNotFound(c *gc.C) {
	cfg, err := config.Load()
	c.Assert(err, jc.ErrorIsNil)
	_, err = cfg.Route("route_imaginaire")
	c.Check(config.IsRouteNotFound(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `la route "route_imaginaire" n'est pas définie dans la configuration`)
}

func (s *configSuite) TestRouteTimeouts(c *gc.C) {
	path := s.writeINI(c, `[routing]
fixe = {"url": "/a", "method": "GET", "timeout": 45}
aucun = {"url": "/b", "method": "GET", "timeout": null}
taille = {"url": "/c", "method": "POST", "timeout": [[1000, 10], [100000, null]]}
defaut = {"url": "/d"}
`)
	cfg, err := config.Load(path)
	c.Assert(err, jc.ErrorIsNil)

	route, err := cfg.Route("fixe")
	c.Assert(err, jc.ErrorIsNil)
	d, ok := route.Timeout.Request(time.Minute)
	c.Check(ok, jc.IsTrue)
	c.Check(d, gc.Equals, 45*time.Second)

	route, err = cfg.Route("aucun")
	c.Assert(err, jc.ErrorIsNil)
	_, ok = route.Timeout.Request(time.Minute)
	c.Check(ok, jc.IsFalse)

	route, err = cfg.Route("taille")
	c.Assert(err, jc.ErrorIsNil)
	// The table does not apply to plain requests.
	d, ok = route.Timeout.Request(time.Minute)
	c.Check(ok, jc.IsTrue)
	c.Check(d, gc.Equals, time.Minute)
	d, ok = route.Timeout.ForSize(500, time.Minute)
	c.Check(ok, jc.IsTrue)
	c.Check(d, gc.Equals, 10*time.Second)
	_, ok = route.Timeout.ForSize(50000, time.Minute)
	c.Check(ok, jc.IsFalse)
	d, ok = route.Timeout.ForSize(10_000_000, time.Minute)
	c.Check(ok, jc.IsTrue)
	c.Check(d, gc.Equals, time.Minute)

	route, err = cfg.Route("defaut")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(route.Method, gc.Equals, "GET")
	d, ok = route.Timeout.Request(time.Minute)
	c.Check(ok, jc.IsTrue)
	c.Check(d, gc.Equals, time.Minute)
}

func (s *configSuite) TestBadRouteEntry(c *gc.C) {
	path := s.writeINI(c, "[routing]\ncasse = pas du json\n")
	_, err := config.Load(path)
	c.Assert(err, gc.ErrorMatches, `route "casse": entrée de routage non parsable:.*`)
}

func (s *configSuite) TestSetupInstanceReset(c *gc.C) {
	_, err := config.Instance()
	c.Assert(err, gc.ErrorMatches, "configuration non initialisée : appelez config.Setup d'abord")

	cfg, err := config.Setup()
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { config.Reset() })

	got, err := config.Instance()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, cfg)

	config.Reset()
	_, err = config.Instance()
	c.Check(err, gc.NotNil)
}

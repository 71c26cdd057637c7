package auth_test

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/Geoplateforme/sdk-entrepot/auth"
	"github.com/Geoplateforme/sdk-entrepot/config"
)

type authSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&authSuite{})

// newConfig loads a configuration pointing at a fake token provider,
// with immediate retries. extra is appended to the authentication
// section.
func (s *authSuite) newConfig(c *gc.C, extra string) *config.Config {
	path := filepath.Join(c.MkDir(), "config.ini")
	content := `
[store_authentification]
token_url = https://sso.test/token
login = moi
password = secret
client_id = gpf
nb_attempts = 2
sec_between_attempts = 0
token_duration_margin = 0
` + extra
	err := os.WriteFile(path, []byte(content), 0o644)
	c.Assert(err, jc.ErrorIsNil)
	cfg, err := config.Load(path)
	c.Assert(err, jc.ErrorIsNil)
	return cfg
}

type tokenResponse struct {
	status int
	body   string
}

// tokenTransport answers each request with the next scripted response;
// the last one is sticky. It records the request bodies.
type tokenTransport struct {
	bodies       []string
	contentTypes []string
	responses    []tokenResponse
}

func (t *tokenTransport) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	t.bodies = append(t.bodies, string(body))
	t.contentTypes = append(t.contentTypes, req.Header.Get("Content-Type"))

	r := t.responses[0]
	if len(t.responses) > 1 {
		t.responses = t.responses[1:]
	}
	status := r.status
	if status == 0 {
		status = 200
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

const tokenOK = `{"access_token": "jeton-1", "expires_in": 3600}`

func (s *authSuite) TestAccessTokenAcquires(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{{body: tokenOK}}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	token, err := a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "jeton-1")
	c.Assert(transport.bodies, gc.HasLen, 1)
	// The grant fields keep their order in the form body.
	c.Check(transport.bodies[0], gc.Equals, "grant_type=password&username=moi&password=secret&client_id=gpf&client_secret=")
	c.Check(transport.contentTypes[0], gc.Equals, "application/x-www-form-urlencoded")
}

func (s *authSuite) TestAccessTokenCached(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{{body: tokenOK}}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	for i := 0; i < 3; i++ {
		token, err := a.AccessToken(context.Background())
		c.Assert(err, jc.ErrorIsNil)
		c.Check(token, gc.Equals, "jeton-1")
	}
	c.Check(transport.bodies, gc.HasLen, 1)
}

func (s *authSuite) TestAccessTokenRefreshesAfterExpiry(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{
		{body: `{"access_token": "jeton-1", "expires_in": 1}`},
		{body: `{"access_token": "jeton-2", "expires_in": 3600}`},
	}}
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	a := auth.New(s.newConfig(c, ""), transport, clk)

	token, err := a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "jeton-1")

	clk.Advance(2 * time.Second)
	token, err = a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "jeton-2")
	c.Check(transport.bodies, gc.HasLen, 2)
}

func (s *authSuite) TestRevokeToken(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{
		{body: tokenOK},
		{body: `{"access_token": "jeton-2", "expires_in": 3600}`},
	}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	_, err := a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	a.RevokeToken()
	token, err := a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "jeton-2")
	c.Check(transport.bodies, gc.HasLen, 2)
}

func (s *authSuite) TestHTTPHeader(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{{body: tokenOK}}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	header, err := a.HTTPHeader(context.Background(), false)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(header, gc.DeepEquals, map[string]string{"Authorization": "Bearer jeton-1"})

	header, err = a.HTTPHeader(context.Background(), true)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(header, gc.DeepEquals, map[string]string{
		"Authorization": "Bearer jeton-1",
		"content-type":  "application/json",
	})
}

func (s *authSuite) TestRetriesThenSucceeds(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{
		{status: 500, body: `indisponible`},
		{body: tokenOK},
	}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	token, err := a.AccessToken(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token, gc.Equals, "jeton-1")
	c.Check(transport.bodies, gc.HasLen, 2)
}

func (s *authSuite) TestRetriesExhausted(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{{status: 500, body: `indisponible`}}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	_, err := a.AccessToken(context.Background())
	c.Assert(err, gc.ErrorMatches, "La récupération du jeton d'authentification a échoué après 2 tentatives")
	var ae *auth.AuthentificationError
	c.Check(errors.As(err, &ae), jc.IsTrue)
	// The initial call plus the two configured retries.
	c.Check(transport.bodies, gc.HasLen, 3)
}

func (s *authSuite) TestBadCredentialsFatal(c *gc.C) {
	transport := &tokenTransport{responses: []tokenResponse{
		{status: 400, body: `{"error_description": "Account is not fully set up"}`},
	}}
	a := auth.New(s.newConfig(c, ""), transport, clock.WallClock)

	_, err := a.AccessToken(context.Background())
	c.Assert(err, gc.ErrorMatches, "Problème lors de l'authentification, veuillez vous connecter via l'interface en ligne KeyCloak .*")
	// Fatal: no retry happened.
	c.Check(transport.bodies, gc.HasLen, 1)
}

func (s *authSuite) TestInstanceSingleton(c *gc.C) {
	_, err := config.Setup()
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { config.Reset() })
	s.AddCleanup(func(*gc.C) { auth.Reset() })

	first, err := auth.Instance()
	c.Assert(err, jc.ErrorIsNil)
	second, err := auth.Instance()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(first, gc.Equals, second)

	auth.Reset()
	third, err := auth.Instance()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(third, gc.Not(gc.Equals), first)
}

package requester_test

import (
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"

	"github.com/Geoplateforme/sdk-entrepot/requester"
)

type paramsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&paramsSuite{})

func (s *paramsSuite) TestEncodePreservesOrder(c *gc.C) {
	p := requester.NewParams().
		Add("zeta", "1").
		Add("alpha", "2").
		Add("mu", "3")
	c.Check(p.Encode(), gc.Equals, "zeta=1&alpha=2&mu=3")
}

func (s *paramsSuite) TestEncodeBracketsMultiValued(c *gc.C) {
	p := requester.NewParams().Add("tags", "a", "b")
	c.Check(p.Encode(), gc.Equals, "tags%5B%5D=a&tags%5B%5D=b")
}

func (s *paramsSuite) TestEncodeKeepsExistingBrackets(c *gc.C) {
	p := requester.NewParams().Add("tags[]", "a", "b")
	c.Check(p.Encode(), gc.Equals, "tags%5B%5D=a&tags%5B%5D=b")
}

func (s *paramsSuite) TestEncodeEscapes(c *gc.C) {
	p := requester.NewParams().Add("nom", "données ouvertes")
	c.Check(p.Encode(), gc.Equals, "nom=donn%C3%A9es+ouvertes")
}

func (s *paramsSuite) TestSetReplaces(c *gc.C) {
	p := requester.NewParams().Add("page", "1").Add("limit", "10")
	p.Set("page", "2")
	c.Check(p.Encode(), gc.Equals, "page=2&limit=10")
}

func (s *paramsSuite) TestAddAppendsToExistingKey(c *gc.C) {
	p := requester.NewParams().Add("tags", "a")
	p.Add("tags", "b")
	c.Check(p.Encode(), gc.Equals, "tags%5B%5D=a&tags%5B%5D=b")
}

func (s *paramsSuite) TestCloneIsIndependent(c *gc.C) {
	p := requester.NewParams().Add("page", "1")
	q := p.Clone()
	q.Set("page", "2")
	c.Check(p.Encode(), gc.Equals, "page=1")
	c.Check(q.Encode(), gc.Equals, "page=2")
}

func (s *paramsSuite) TestNilIsEmpty(c *gc.C) {
	var p *requester.Params
	c.Check(p.IsEmpty(), gc.Equals, true)
	c.Check(p.Clone().IsEmpty(), gc.Equals, true)
}

type rangeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&rangeSuite{})

func (s *rangeSuite) TestNextPage(c *gc.C) {
	c.Check(requester.RangeNextPage("1-10/25", 10), gc.Equals, true)
	c.Check(requester.RangeNextPage("11-25/25", 25), gc.Equals, false)
	c.Check(requester.RangeNextPage("", 10), gc.Equals, false)
	c.Check(requester.RangeNextPage("garbage", 10), gc.Equals, false)
	c.Check(requester.RangeNextPage("1-10/quinze", 10), gc.Equals, false)
}

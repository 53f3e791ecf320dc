package livequery

import (
	"github.com/juju/mgo/v3/bson"
	gc "gopkg.in/check.v1"
)

type ModifierSuite struct{}

var _ = gc.Suite(&ModifierSuite{})

func (s *ModifierSuite) TestApplySetTopLevelField(c *gc.C) {
	result, err := DefaultModifierApplier{}.Apply(Document{"_id": "a", "n": 1}, bson.M{"$set": bson.M{"n": 2}})
	c.Assert(err, gc.IsNil)
	c.Check(result, gc.DeepEquals, Document{"_id": "a", "n": 2})
}

func (s *ModifierSuite) TestApplyDoesNotMutateOriginal(c *gc.C) {
	orig := Document{"_id": "a", "n": 1}
	_, err := DefaultModifierApplier{}.Apply(orig, bson.M{"$set": bson.M{"n": 2}})
	c.Assert(err, gc.IsNil)
	c.Check(orig["n"], gc.Equals, 1)
}

func (s *ModifierSuite) TestApplySetDottedPathCreatesIntermediate(c *gc.C) {
	result, err := DefaultModifierApplier{}.Apply(Document{"_id": "a"}, bson.M{"$set": bson.M{"addr.city": "NYC"}})
	c.Assert(err, gc.IsNil)
	c.Check(result["addr"], gc.DeepEquals, bson.M{"city": "NYC"})
}

func (s *ModifierSuite) TestApplyUnsetTopLevelField(c *gc.C) {
	result, err := DefaultModifierApplier{}.Apply(Document{"_id": "a", "n": 1}, bson.M{"$unset": bson.M{"n": ""}})
	c.Assert(err, gc.IsNil)
	_, ok := result["n"]
	c.Check(ok, gc.Equals, false)
}

func (s *ModifierSuite) TestApplyUnsetMissingPathIsNoop(c *gc.C) {
	result, err := DefaultModifierApplier{}.Apply(Document{"_id": "a"}, bson.M{"$unset": bson.M{"missing.deep": ""}})
	c.Assert(err, gc.IsNil)
	c.Check(result, gc.DeepEquals, Document{"_id": "a"})
}

func (s *ModifierSuite) TestApplyRejectsEJSONField(c *gc.C) {
	_, err := DefaultModifierApplier{}.Apply(Document{"_id": "a"}, bson.M{"$set": bson.M{"EJSON$date": "x"}})
	c.Check(err, gc.ErrorMatches, `.*not supported.*`)
}

func (s *ModifierSuite) TestApplyRejectsUnsupportedOperator(c *gc.C) {
	_, err := DefaultModifierApplier{}.Apply(Document{"_id": "a", "n": 1}, bson.M{"$inc": bson.M{"n": 1}})
	c.Check(err, gc.ErrorMatches, `.*not supported.*`)
}

func (s *ModifierSuite) TestApplyRejectsNonDocumentArgument(c *gc.C) {
	_, err := DefaultModifierApplier{}.Apply(Document{"_id": "a"}, bson.M{"$set": 5})
	c.Check(err, gc.ErrorMatches, `.*not supported.*`)
}

func (s *ModifierSuite) TestCanApplyModifierLocallyAcceptsSetUnset(c *gc.C) {
	c.Check(CanApplyModifierLocally(bson.M{"$set": bson.M{"n": 1}, "$unset": bson.M{"m": ""}}), gc.Equals, true)
}

func (s *ModifierSuite) TestCanApplyModifierLocallyRejectsOtherOperators(c *gc.C) {
	c.Check(CanApplyModifierLocally(bson.M{"$inc": bson.M{"n": 1}}), gc.Equals, false)
}

func (s *ModifierSuite) TestCanApplyModifierLocallyRejectsEJSONPath(c *gc.C) {
	c.Check(CanApplyModifierLocally(bson.M{"$set": bson.M{"a.EJSON$date": "x"}}), gc.Equals, false)
}

func (s *ModifierSuite) TestIsEJSONField(c *gc.C) {
	c.Check(IsEJSONField("EJSON$date"), gc.Equals, true)
	c.Check(IsEJSONField("date"), gc.Equals, false)
}

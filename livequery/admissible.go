package livequery

import (
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// unsupportedProjectionOperators are projection operators the shared and
// publish projection functions can't reproduce in-memory, since they need
// the original query's matched array index, which a document synthesized
// from the oplog never has.
var unsupportedProjectionOperators = set.NewStrings("$slice", "$elemMatch", "$meta")

// CanUseOplogForQuery answers whether a cursor can be served by tailing
// the oplog at all, before a Driver is ever constructed (spec.md §4.I).
// A false with a nil error means "fall back to poll-and-diff"; a non-nil
// error means something unexpected happened evaluating admissibility.
func CanUseOplogForQuery(desc CursorDescription, matcher Matcher) (bool, error) {
	if desc.Options.DisableOplog {
		return false, nil
	}
	if desc.Options.Skip > 0 {
		return false, nil
	}
	if desc.Options.Limit > 0 && len(desc.Options.Sort) == 0 {
		return false, nil
	}
	if matcher.HasWhere() || matcher.HasGeoQuery() {
		return false, nil
	}

	if err := checkProjectionSupported(desc.Options.Fields); err != nil {
		if errors.Is(err, errUnsupportedProjectionOperator) {
			return false, nil
		}
		return false, errors.Trace(err)
	}
	return true, nil
}

var errUnsupportedProjectionOperator = errors.New("projection uses an operator the matcher can't project through")

// checkProjectionSupported rejects the small family of projection
// operators the shared/publish projection functions can't reproduce
// in-memory: positional matches and array-shaping operators need the
// original query's matched array index, which the driver never has for a
// document synthesized from the oplog.
func checkProjectionSupported(fields bson.D) error {
	for _, f := range fields {
		if strings.Contains(f.Name, ".$") {
			return errUnsupportedProjectionOperator
		}
		spec, ok := f.Value.(bson.M)
		if !ok {
			continue
		}
		for op := range spec {
			if unsupportedProjectionOperators.Contains(op) {
				return errUnsupportedProjectionOperator
			}
		}
	}
	return nil
}

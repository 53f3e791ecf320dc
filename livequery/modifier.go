package livequery

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// DefaultModifierApplier applies the subset of update modifiers the driver
// can resolve without a database round trip: top-level and dotted-path
// $set/$unset. Anything else — array operators, $inc, $push, and so on —
// is refused, which the oplog entry handler treats as "can't apply
// locally" and falls back to a refetch (spec.md §4.E, §6).
type DefaultModifierApplier struct{}

// Apply returns a new document with mod applied to doc. doc is never
// mutated in place; callers that pass a cached document are expected to
// have already decided a clone is unnecessary because the result replaces
// the cache entry outright.
func (DefaultModifierApplier) Apply(doc Document, mod bson.M) (Document, error) {
	result := cloneDocument(doc)

	for op, arg := range mod {
		fields, ok := arg.(bson.M)
		if !ok {
			return nil, errors.NotSupportedf("modifier operator %q with non-document argument", op)
		}
		switch op {
		case "$set":
			for path, value := range fields {
				if IsEJSONField(path) || hasEJSONSegment(path) {
					return nil, errors.NotSupportedf("$set on custom-type field %q", path)
				}
				setPath(result, path, value)
			}
		case "$unset":
			for path := range fields {
				unsetPath(result, path)
			}
		default:
			return nil, errors.NotSupportedf("modifier operator %q", op)
		}
	}
	return result, nil
}

// IsEJSONField reports whether a top-level field name marks a custom-type
// encoding (spec.md §6's `EJSON$…` pattern).
func IsEJSONField(name string) bool {
	return strings.HasPrefix(name, ejsonFieldPrefix)
}

func hasEJSONSegment(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if IsEJSONField(seg) {
			return true
		}
	}
	return false
}

// CanApplyModifierLocally reports whether every operator and field path in
// mod is one DefaultModifierApplier (or an equivalent) can resolve without
// a refetch: only $set/$unset, none of them touching an EJSON$ field.
func CanApplyModifierLocally(mod bson.M) bool {
	for op, arg := range mod {
		if op != "$set" && op != "$unset" {
			return false
		}
		fields, ok := arg.(bson.M)
		if !ok {
			return false
		}
		for path := range fields {
			if hasEJSONSegment(path) {
				return false
			}
		}
	}
	return true
}

func setPath(doc Document, path string, value interface{}) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(bson.M)
		if !ok {
			next = bson.M{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

func unsetPath(doc Document, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(bson.M)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

func cloneDocument(doc Document) Document {
	clone := make(Document, len(doc))
	for k, v := range doc {
		if nested, ok := v.(bson.M); ok {
			clone[k] = cloneDocument(nested)
			continue
		}
		clone[k] = v
	}
	return clone
}

// Package props implements the property and constraint language used by the
// marketplace: typed property sets published with offers and demands, and the
// boolean constraint expressions each side evaluates against the other side's
// properties.
package props

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"golang.org/x/xerrors"
)

// Kind discriminates the value types a property may hold.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindList
	KindVersion
	KindVersionRange
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindVersion:
		return "version"
	case KindVersionRange:
		return "version-range"
	default:
		return fmt.Sprintf("kind<%d>", int(k))
	}
}

// Value is a single typed property value.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	ver  *semver.Version
	rng  *semver.Constraints
	// raw keeps the textual form of version and version-range values so
	// canonical encoding round-trips exactly what was published.
	raw string
}

func String(s string) Value  { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }

func List(vs ...Value) Value {
	return Value{kind: KindList, list: vs}
}

// Version parses s as a semantic version value.
func Version(s string) (Value, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Value{}, xerrors.Errorf("parsing version %q: %w", s, err)
	}
	return Value{kind: KindVersion, ver: v, raw: s}, nil
}

// VersionRange parses s as a semantic version range, e.g. ">=1.2.0 <2.0.0".
func VersionRange(s string) (Value, error) {
	c, err := semver.NewConstraint(s)
	if err != nil {
		return Value{}, xerrors.Errorf("parsing version range %q: %w", s, err)
	}
	return Value{kind: KindVersionRange, rng: c, raw: s}, nil
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) Str() string    { return v.str }
func (v Value) Num() float64   { return v.num }
func (v Value) Bool() bool     { return v.b }
func (v Value) List() []Value  { return v.list }
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return trimFloat(v.num)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindVersion, KindVersionRange:
		return v.raw
	case KindList:
		var b bytes.Buffer
		b.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(e.String())
		}
		b.WriteByte(']')
		return b.String()
	}
	return ""
}

func trimFloat(f float64) string {
	s, _ := json.Marshal(f)
	return string(s)
}

// MarshalJSON encodes scalars natively and wraps version-typed values in a
// single-key object so decoding recovers the type.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		return json.Marshal(v.list)
	case KindVersion:
		return json.Marshal(map[string]string{"$ver": v.raw})
	case KindVersionRange:
		return json.Marshal(map[string]string{"$verrange": v.raw})
	}
	return nil, xerrors.Errorf("cannot marshal value of kind %s", v.kind)
}

// PropertySet maps dotted-path keys to typed values. A set is immutable once
// published under a given id; the engine treats shared instances as read-only.
type PropertySet map[string]Value

// FromJSON decodes a property set from JSON. Nested objects are flattened
// into dotted-path keys; `{"cpu":{"cores":4}}` yields `cpu.cores`. Objects
// with a single `$ver` or `$verrange` key decode as version-typed values.
func FromJSON(data []byte) (PropertySet, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, xerrors.Errorf("decoding property set: %w", err)
	}
	ps := PropertySet{}
	if err := flatten("", raw, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func flatten(prefix string, raw map[string]interface{}, into PropertySet) error {
	for k, v := range raw {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]interface{}:
			if s, ok := versionTag(tv, "$ver"); ok {
				val, err := Version(s)
				if err != nil {
					return xerrors.Errorf("property %s: %w", key, err)
				}
				into[key] = val
				continue
			}
			if s, ok := versionTag(tv, "$verrange"); ok {
				val, err := VersionRange(s)
				if err != nil {
					return xerrors.Errorf("property %s: %w", key, err)
				}
				into[key] = val
				continue
			}
			if err := flatten(key, tv, into); err != nil {
				return err
			}
		default:
			val, err := fromScalar(v)
			if err != nil {
				return xerrors.Errorf("property %s: %w", key, err)
			}
			into[key] = val
		}
	}
	return nil
}

func versionTag(m map[string]interface{}, tag string) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m[tag]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func fromScalar(v interface{}) (Value, error) {
	switch tv := v.(type) {
	case string:
		return String(tv), nil
	case bool:
		return Bool(tv), nil
	case json.Number:
		f, err := tv.Float64()
		if err != nil {
			return Value{}, xerrors.Errorf("invalid number %q: %w", tv.String(), err)
		}
		return Number(f), nil
	case []interface{}:
		var elems []Value
		for _, e := range tv {
			ev, err := fromScalar(e)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return List(elems...), nil
	default:
		return Value{}, xerrors.Errorf("unsupported property value of type %T", v)
	}
}

// Canonical returns the RFC 8785 canonical JSON encoding of the set. Two sets
// with equal contents always produce byte-identical output, which is what
// agreement signatures are computed over.
func (ps PropertySet) Canonical() ([]byte, error) {
	plain, err := json.Marshal(ps)
	if err != nil {
		return nil, xerrors.Errorf("encoding property set: %w", err)
	}
	out, err := jcs.Transform(plain)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing property set: %w", err)
	}
	return out, nil
}

// Get returns the value at key.
func (ps PropertySet) Get(key string) (Value, bool) {
	v, ok := ps[key]
	return v, ok
}

// Keys returns the set's keys in sorted order.
func (ps PropertySet) Keys() []string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a copy of ps with every entry of over layered on top. Used to
// build counter-proposal terms from a predecessor's terms.
func (ps PropertySet) Merge(over PropertySet) PropertySet {
	out := make(PropertySet, len(ps)+len(over))
	for k, v := range ps {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Equal reports whether the two sets canonicalize to identical bytes.
func (ps PropertySet) Equal(other PropertySet) bool {
	a, err := ps.Canonical()
	if err != nil {
		return false
	}
	b, err := other.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

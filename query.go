package kinvey

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Filter is one node of a query's filter tree. The variant set is closed:
// comparisons, membership, existence, regex, and the logical combinators.
type Filter interface {
	// selector renders the node as a MongoDB-style selector fragment.
	selector() map[string]any
	// match evaluates the node against an entity.
	match(e Entity) bool
}

// CompareOp enumerates the comparison operators.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
)

func (op CompareOp) token() string {
	switch op {
	case OpNe:
		return "$ne"
	case OpGt:
		return "$gt"
	case OpGte:
		return "$gte"
	case OpLt:
		return "$lt"
	case OpLte:
		return "$lte"
	default:
		return ""
	}
}

// Compare matches a field against a value with a CompareOp.
type Compare struct {
	Field string
	Op    CompareOp
	Value any
}

func (f Compare) selector() map[string]any {
	if f.Op == OpEq {
		return map[string]any{f.Field: f.Value}
	}
	return map[string]any{f.Field: map[string]any{f.Op.token(): f.Value}}
}

func (f Compare) match(e Entity) bool {
	v, ok := e.field(f.Field)
	switch f.Op {
	case OpEq:
		return ok && looseEqual(v, f.Value)
	case OpNe:
		return !ok || !looseEqual(v, f.Value)
	}
	if !ok {
		return false
	}
	c, comparable := compareValues(v, f.Value)
	if !comparable {
		return false
	}
	switch f.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// In matches a field against a value set ($in / $nin).
type In struct {
	Field  string
	Values []any
	Negate bool
}

func (f In) selector() map[string]any {
	token := "$in"
	if f.Negate {
		token = "$nin"
	}
	return map[string]any{f.Field: map[string]any{token: f.Values}}
}

func (f In) match(e Entity) bool {
	v, ok := e.field(f.Field)
	found := false
	if ok {
		for _, candidate := range f.Values {
			if looseEqual(v, candidate) {
				found = true
				break
			}
		}
	}
	if f.Negate {
		return !found
	}
	return found
}

// Exists matches on field presence.
type Exists struct {
	Field  string
	Exists bool
}

func (f Exists) selector() map[string]any {
	return map[string]any{f.Field: map[string]any{"$exists": f.Exists}}
}

func (f Exists) match(e Entity) bool {
	_, ok := e.field(f.Field)
	return ok == f.Exists
}

// Regex matches a string field against a regular expression. The pattern is
// used as given; it is not anchored unless it contains ^ or $ itself.
type Regex struct {
	Field   string
	Pattern string
}

func (f Regex) selector() map[string]any {
	return map[string]any{f.Field: map[string]any{"$regex": f.Pattern}}
}

func (f Regex) match(e Entity) bool {
	v, ok := e.field(f.Field)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// And matches when every child matches.
type And struct {
	Filters []Filter
}

func (f And) selector() map[string]any {
	// Merge children into one selector when fields do not collide; fall back
	// to an explicit $and otherwise so constraints are never dropped.
	merged := map[string]any{}
	for _, child := range f.Filters {
		sel := child.selector()
		for k, v := range sel {
			if existing, ok := merged[k]; ok {
				em, eok := existing.(map[string]any)
				vm, vok := v.(map[string]any)
				if eok && vok && disjointKeys(em, vm) {
					for ok2, ov := range vm {
						em[ok2] = ov
					}
					continue
				}
				return map[string]any{"$and": selectors(f.Filters)}
			}
			merged[k] = v
		}
	}
	return merged
}

func (f And) match(e Entity) bool {
	for _, child := range f.Filters {
		if !child.match(e) {
			return false
		}
	}
	return true
}

// Or matches when any child matches.
type Or struct {
	Filters []Filter
}

func (f Or) selector() map[string]any {
	return map[string]any{"$or": selectors(f.Filters)}
}

func (f Or) match(e Entity) bool {
	for _, child := range f.Filters {
		if child.match(e) {
			return true
		}
	}
	return false
}

// Not inverts its child.
type Not struct {
	Filter Filter
}

func (f Not) selector() map[string]any {
	out := map[string]any{}
	for k, v := range f.Filter.selector() {
		out[k] = map[string]any{"$not": v}
	}
	return out
}

func (f Not) match(e Entity) bool {
	return !f.Filter.match(e)
}

func selectors(filters []Filter) []any {
	out := make([]any, len(filters))
	for i, f := range filters {
		out[i] = f.selector()
	}
	return out
}

func disjointKeys(a, b map[string]any) bool {
	for k := range b {
		if _, ok := a[k]; ok {
			return false
		}
	}
	return true
}

// SortOrder is the direction of one sort field.
type SortOrder int

const (
	// Ascending sorts smallest first.
	Ascending SortOrder = 1
	// Descending sorts largest first.
	Descending SortOrder = -1
)

// SortField is one field of a sort specification. Order matters, so the sort
// is a slice rather than a map.
type SortField struct {
	Field string
	Order SortOrder
}

// Query describes a filtered, sorted, windowed, projected read over a
// collection. The zero value matches everything.
type Query struct {
	// Filter is the root of the filter tree; nil matches all entities.
	Filter Filter
	// Sort orders results field by field.
	Sort []SortField
	// Fields projects the result down to the named fields (plus _id).
	Fields []string
	// Skip drops the first N results after sorting. Zero means unset.
	Skip int
	// Limit caps the result count after Skip. Zero means unset.
	Limit int
}

// NewQuery returns an empty query.
func NewQuery() *Query {
	return &Query{}
}

// where appends a constraint, folding into an existing conjunction.
func (q *Query) where(f Filter) *Query {
	switch root := q.Filter.(type) {
	case nil:
		q.Filter = f
	case And:
		root.Filters = append(root.Filters, f)
		q.Filter = root
	default:
		q.Filter = And{Filters: []Filter{q.Filter, f}}
	}
	return q
}

// EqualTo adds an equality constraint.
func (q *Query) EqualTo(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpEq, Value: value})
}

// NotEqualTo adds a $ne constraint.
func (q *Query) NotEqualTo(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpNe, Value: value})
}

// GreaterThan adds a $gt constraint.
func (q *Query) GreaterThan(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpGt, Value: value})
}

// GreaterThanOrEqualTo adds a $gte constraint.
func (q *Query) GreaterThanOrEqualTo(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpGte, Value: value})
}

// LessThan adds a $lt constraint.
func (q *Query) LessThan(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpLt, Value: value})
}

// LessThanOrEqualTo adds a $lte constraint.
func (q *Query) LessThanOrEqualTo(field string, value any) *Query {
	return q.where(Compare{Field: field, Op: OpLte, Value: value})
}

// ContainedIn adds an $in constraint.
func (q *Query) ContainedIn(field string, values []any) *Query {
	return q.where(In{Field: field, Values: values})
}

// NotContainedIn adds a $nin constraint.
func (q *Query) NotContainedIn(field string, values []any) *Query {
	return q.where(In{Field: field, Values: values, Negate: true})
}

// FieldExists adds an $exists constraint.
func (q *Query) FieldExists(field string, exists bool) *Query {
	return q.where(Exists{Field: field, Exists: exists})
}

// Matches adds a $regex constraint.
func (q *Query) Matches(field, pattern string) *Query {
	return q.where(Regex{Field: field, Pattern: pattern})
}

// AscendingBy appends an ascending sort field.
func (q *Query) AscendingBy(field string) *Query {
	q.Sort = append(q.Sort, SortField{Field: field, Order: Ascending})
	return q
}

// DescendingBy appends a descending sort field.
func (q *Query) DescendingBy(field string) *Query {
	q.Sort = append(q.Sort, SortField{Field: field, Order: Descending})
	return q
}

// clone copies the query. The filter tree is shared; it is never mutated
// after construction.
func (q *Query) clone() *Query {
	if q == nil {
		return &Query{}
	}
	out := &Query{
		Filter: q.Filter,
		Skip:   q.Skip,
		Limit:  q.Limit,
	}
	out.Sort = append([]SortField(nil), q.Sort...)
	out.Fields = append([]string(nil), q.Fields...)
	return out
}

// bounded reports whether the query has a skip or limit window. Bounded
// queries are ineligible for delta-set and never replace the offline
// snapshot.
func (q *Query) bounded() bool {
	return q != nil && (q.Skip > 0 || q.Limit > 0)
}

// selectorJSON renders the filter as MongoDB-style JSON. encoding/json sorts
// map keys, which makes the output canonical.
func (q *Query) selectorJSON() string {
	sel := map[string]any{}
	if q != nil && q.Filter != nil {
		sel = q.Filter.selector()
	}
	data, err := json.Marshal(sel)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (q *Query) sortJSON() string {
	if q == nil || len(q.Sort) == 0 {
		return ""
	}
	// Field order is significant on the wire, so build the object by hand.
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range q.Sort {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(s.Field)
		b.Write(key)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(s.Order)))
	}
	b.WriteByte('}')
	return b.String()
}

// canonical returns a process-stable string identifying the query for the
// query cache. Equal queries canonicalize identically across processes.
func (q *Query) canonical() string {
	if q == nil {
		return "{}"
	}
	var b strings.Builder
	b.WriteString(q.selectorJSON())
	if s := q.sortJSON(); s != "" {
		b.WriteString("|sort=")
		b.WriteString(s)
	}
	if len(q.Fields) > 0 {
		fields := append([]string(nil), q.Fields...)
		sort.Strings(fields)
		b.WriteString("|fields=")
		b.WriteString(strings.Join(fields, ","))
	}
	if q.Skip > 0 {
		fmt.Fprintf(&b, "|skip=%d", q.Skip)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|limit=%d", q.Limit)
	}
	return b.String()
}

// wireValues renders the query as request parameters.
func (q *Query) wireValues() url.Values {
	values := url.Values{}
	if q == nil {
		return values
	}
	if q.Filter != nil {
		values.Set("query", q.selectorJSON())
	}
	if s := q.sortJSON(); s != "" {
		values.Set("sort", s)
	}
	if len(q.Fields) > 0 {
		values.Set("fields", strings.Join(q.Fields, ","))
	}
	if q.Skip > 0 {
		values.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	return values
}

// matches evaluates the filter against one entity.
func (q *Query) matches(e Entity) bool {
	if q == nil || q.Filter == nil {
		return true
	}
	return q.Filter.match(e)
}

// run evaluates the full query in memory: filter, sort, window, projection.
func (q *Query) run(entities []Entity) []Entity {
	if q == nil {
		return entities
	}
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	if len(q.Sort) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, s := range q.Sort {
				a, _ := out[i].field(s.Field)
				b, _ := out[j].field(s.Field)
				c, ok := compareValues(a, b)
				if !ok || c == 0 {
					continue
				}
				if s.Order == Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			out = nil
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	if len(q.Fields) > 0 {
		projected := make([]Entity, len(out))
		for i, e := range out {
			p := Entity{}
			if id, ok := e[fieldID]; ok {
				p[fieldID] = id
			}
			for _, f := range q.Fields {
				if v, ok := e[f]; ok {
					p[f] = v
				}
			}
			projected[i] = p
		}
		out = projected
	}
	return out
}

// looseEqual compares two JSON values, treating all numeric types as float64.
func looseEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	am, _ := json.Marshal(a)
	bm, _ := json.Marshal(b)
	return string(am) == string(bm)
}

// compareValues orders two JSON scalars. The bool result is false when the
// values are not mutually comparable.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		if a == nil {
			return -1, true
		}
		return 1, true
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, bok := b.(bool)
		if !bok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

package kinvey

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReduceOp enumerates the supported aggregation reducers.
type ReduceOp int

const (
	// ReduceCount counts entities per group.
	ReduceCount ReduceOp = iota
	// ReduceSum sums a field per group.
	ReduceSum
	// ReduceMin takes the smallest field value per group.
	ReduceMin
	// ReduceMax takes the largest field value per group.
	ReduceMax
	// ReduceAvg averages a field per group.
	ReduceAvg
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceCount:
		return "count"
	case ReduceSum:
		return "sum"
	case ReduceMin:
		return "min"
	case ReduceMax:
		return "max"
	case ReduceAvg:
		return "average"
	default:
		return "unknown"
	}
}

// Aggregation groups entities by one or more keys and reduces a field within
// each group. The same descriptor evaluates locally against the offline cache
// and serializes to the backend's _group endpoint.
type Aggregation struct {
	// Keys are the group-by fields.
	Keys []string
	// Field is the reduced field. Ignored by ReduceCount.
	Field string
	// Op is the reducer.
	Op ReduceOp
	// Query optionally restricts the aggregated entities.
	Query *Query
}

// GroupByCount groups by the given keys and counts each group.
func GroupByCount(keys ...string) *Aggregation {
	return &Aggregation{Keys: keys, Op: ReduceCount}
}

// GroupBySum groups by the given keys and sums field per group.
func GroupBySum(field string, keys ...string) *Aggregation {
	return &Aggregation{Keys: keys, Field: field, Op: ReduceSum}
}

// GroupByMin groups by the given keys and takes the minimum of field.
func GroupByMin(field string, keys ...string) *Aggregation {
	return &Aggregation{Keys: keys, Field: field, Op: ReduceMin}
}

// GroupByMax groups by the given keys and takes the maximum of field.
func GroupByMax(field string, keys ...string) *Aggregation {
	return &Aggregation{Keys: keys, Field: field, Op: ReduceMax}
}

// GroupByAverage groups by the given keys and averages field.
func GroupByAverage(field string, keys ...string) *Aggregation {
	return &Aggregation{Keys: keys, Field: field, Op: ReduceAvg}
}

// initial returns the accumulator seed for the wire body and the local
// evaluator.
func (a *Aggregation) initial() map[string]any {
	switch a.Op {
	case ReduceCount:
		return map[string]any{"result": 0}
	case ReduceSum:
		return map[string]any{"result": 0}
	case ReduceMin:
		return map[string]any{"result": "Infinity"}
	case ReduceMax:
		return map[string]any{"result": "-Infinity"}
	case ReduceAvg:
		return map[string]any{"result": 0, "count": 0}
	default:
		return map[string]any{}
	}
}

// reduceFunc renders the server-side reduce expression.
func (a *Aggregation) reduceFunc() string {
	switch a.Op {
	case ReduceCount:
		return "function(doc, out) { out.result += 1; }"
	case ReduceSum:
		return fmt.Sprintf("function(doc, out) { out.result += doc[\"%s\"]; }", a.Field)
	case ReduceMin:
		return fmt.Sprintf("function(doc, out) { out.result = Math.min(out.result, doc[\"%s\"]); }", a.Field)
	case ReduceMax:
		return fmt.Sprintf("function(doc, out) { out.result = Math.max(out.result, doc[\"%s\"]); }", a.Field)
	case ReduceAvg:
		return fmt.Sprintf("function(doc, out) { out.count += 1; out.result = out.result + (doc[\"%s\"] - out.result) / out.count; }", a.Field)
	default:
		return ""
	}
}

// wireBody renders the aggregation as the backend's _group request body.
func (a *Aggregation) wireBody() map[string]any {
	key := map[string]any{}
	for _, k := range a.Keys {
		key[k] = true
	}
	body := map[string]any{
		"key":     key,
		"initial": a.initial(),
		"reduce":  a.reduceFunc(),
	}
	if a.Query != nil && a.Query.Filter != nil {
		body["condition"] = a.Query.Filter.selector()
	}
	return body
}

// evaluate runs the aggregation locally. Each result entity carries the group
// key fields plus a "result" value, matching the backend's response shape.
func (a *Aggregation) evaluate(entities []Entity) []Entity {
	type group struct {
		keys   Entity
		result float64
		count  int
		seeded bool
	}
	groups := map[string]*group{}
	var order []string

	for _, e := range entities {
		if a.Query != nil && !a.Query.matches(e) {
			continue
		}
		id := a.groupID(e)
		g, ok := groups[id]
		if !ok {
			keys := Entity{}
			for _, k := range a.Keys {
				if v, present := e.field(k); present {
					keys[k] = v
				} else {
					keys[k] = nil
				}
			}
			g = &group{keys: keys}
			groups[id] = g
			order = append(order, id)
		}

		switch a.Op {
		case ReduceCount:
			g.count++
		default:
			v, ok := e.field(a.Field)
			if !ok {
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			switch a.Op {
			case ReduceSum:
				g.result += f
			case ReduceMin:
				if !g.seeded || f < g.result {
					g.result = f
				}
			case ReduceMax:
				if !g.seeded || f > g.result {
					g.result = f
				}
			case ReduceAvg:
				g.count++
				g.result += (f - g.result) / float64(g.count)
			}
			g.seeded = true
		}
	}

	out := make([]Entity, 0, len(order))
	for _, id := range order {
		g := groups[id]
		switch a.Op {
		case ReduceMin, ReduceMax, ReduceAvg:
			// A group whose members never carried a numeric reduce field has
			// no meaningful minimum, maximum, or mean; emitting the zero
			// value would be indistinguishable from a real 0.
			if !g.seeded {
				continue
			}
		}
		row := g.keys.Clone()
		if row == nil {
			row = Entity{}
		}
		switch a.Op {
		case ReduceCount:
			row["result"] = float64(g.count)
		default:
			row["result"] = g.result
		}
		out = append(out, row)
	}
	return out
}

// groupID builds a stable in-memory key for an entity's group.
func (a *Aggregation) groupID(e Entity) string {
	var b strings.Builder
	for _, k := range a.Keys {
		v, _ := e.field(k)
		data, _ := json.Marshal(v)
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(data)
		b.WriteByte(';')
	}
	return b.String()
}

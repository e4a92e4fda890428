package kinvey

import (
	"testing"
)

func sampleEntities() []Entity {
	return []Entity{
		{"_id": "1", "title": "A", "pages": float64(100), "genre": "scifi"},
		{"_id": "2", "title": "B", "pages": float64(250), "genre": "fantasy"},
		{"_id": "3", "title": "C", "pages": float64(250), "genre": "scifi"},
		{"_id": "4", "title": "D", "pages": float64(50)},
	}
}

func TestQueryFilterOperators(t *testing.T) {
	entities := sampleEntities()

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"equal", NewQuery().EqualTo("genre", "scifi"), []string{"1", "3"}},
		{"not equal", NewQuery().NotEqualTo("genre", "scifi"), []string{"2", "4"}},
		{"greater than", NewQuery().GreaterThan("pages", 100), []string{"2", "3"}},
		{"gte", NewQuery().GreaterThanOrEqualTo("pages", 100), []string{"1", "2", "3"}},
		{"less than", NewQuery().LessThan("pages", 100), []string{"4"}},
		{"lte", NewQuery().LessThanOrEqualTo("pages", 100), []string{"1", "4"}},
		{"in", NewQuery().ContainedIn("title", []any{"A", "D"}), []string{"1", "4"}},
		{"nin", NewQuery().NotContainedIn("title", []any{"A", "D"}), []string{"2", "3"}},
		{"exists", NewQuery().FieldExists("genre", false), []string{"4"}},
		{"regex", NewQuery().Matches("title", "^[AB]$"), []string{"1", "2"}},
		{"conjunction", NewQuery().EqualTo("genre", "scifi").GreaterThan("pages", 100), []string{"3"}},
	}
	for _, tt := range tests {
		got := tt.query.run(entities)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: expected %d entities, got %d", tt.name, len(tt.want), len(got))
		}
		for i, id := range tt.want {
			if got[i].ID() != id {
				t.Fatalf("%s: expected id %s at %d, got %s", tt.name, id, i, got[i].ID())
			}
		}
	}
}

func TestQueryLogicalCombinators(t *testing.T) {
	entities := sampleEntities()

	or := &Query{Filter: Or{Filters: []Filter{
		Compare{Field: "title", Op: OpEq, Value: "A"},
		Compare{Field: "title", Op: OpEq, Value: "C"},
	}}}
	if got := or.run(entities); len(got) != 2 {
		t.Fatalf("or: expected 2 entities, got %d", len(got))
	}

	not := &Query{Filter: Not{Filter: Compare{Field: "genre", Op: OpEq, Value: "scifi"}}}
	if got := not.run(entities); len(got) != 2 {
		t.Fatalf("not: expected 2 entities, got %d", len(got))
	}
}

func TestQuerySortSkipLimitFields(t *testing.T) {
	q := NewQuery().FieldExists("_id", true)
	q.Sort = []SortField{{Field: "pages", Order: Descending}, {Field: "title", Order: Ascending}}
	q.Skip = 1
	q.Limit = 2
	q.Fields = []string{"title"}

	got := q.run(sampleEntities())
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
	// Sorted by pages desc: B(250), C(250), A(100), D(50); skip 1, limit 2.
	if got[0].ID() != "3" || got[1].ID() != "1" {
		t.Fatalf("expected ids [3 1], got [%s %s]", got[0].ID(), got[1].ID())
	}
	if _, ok := got[0]["pages"]; ok {
		t.Fatal("projection should have dropped the pages field")
	}
	if _, ok := got[0]["title"]; !ok {
		t.Fatal("projection should have kept the title field")
	}
	if got[0].ID() == "" {
		t.Fatal("projection must keep _id")
	}
}

func TestQueryCanonicalIsStable(t *testing.T) {
	a := NewQuery().EqualTo("b", 1).EqualTo("a", 2)
	b := NewQuery().EqualTo("b", 1).EqualTo("a", 2)
	if a.canonical() != b.canonical() {
		t.Fatalf("identical queries canonicalize differently:\n%s\n%s", a.canonical(), b.canonical())
	}

	var nilQuery *Query
	if nilQuery.canonical() != (&Query{}).canonical() {
		t.Fatal("nil query and empty query must canonicalize identically")
	}

	bounded := NewQuery().EqualTo("a", 1)
	bounded.Limit = 5
	if bounded.canonical() == NewQuery().EqualTo("a", 1).canonical() {
		t.Fatal("limit must be part of the canonical form")
	}
}

func TestQueryWireValues(t *testing.T) {
	q := NewQuery().EqualTo("genre", "scifi")
	q.Sort = []SortField{{Field: "title", Order: Descending}}
	q.Skip = 10
	q.Limit = 5
	q.Fields = []string{"title", "pages"}

	values := q.wireValues()
	if values.Get("query") != `{"genre":"scifi"}` {
		t.Fatalf("unexpected query param: %s", values.Get("query"))
	}
	if values.Get("sort") != `{"title":-1}` {
		t.Fatalf("unexpected sort param: %s", values.Get("sort"))
	}
	if values.Get("fields") != "title,pages" {
		t.Fatalf("unexpected fields param: %s", values.Get("fields"))
	}
	if values.Get("skip") != "10" || values.Get("limit") != "5" {
		t.Fatalf("unexpected window params: skip=%s limit=%s", values.Get("skip"), values.Get("limit"))
	}
}

func TestQueryBounded(t *testing.T) {
	if NewQuery().bounded() {
		t.Fatal("empty query must not be bounded")
	}
	q := NewQuery()
	q.Limit = 1
	if !q.bounded() {
		t.Fatal("limited query must be bounded")
	}
	var nilQuery *Query
	if nilQuery.bounded() {
		t.Fatal("nil query must not be bounded")
	}
}

func TestQueryDottedFieldPath(t *testing.T) {
	entities := []Entity{
		{"_id": "1", "_acl": map[string]any{"creator": "u1"}},
		{"_id": "2", "_acl": map[string]any{"creator": "u2"}},
	}
	got := NewQuery().EqualTo("_acl.creator", "u2").run(entities)
	if len(got) != 1 || got[0].ID() != "2" {
		t.Fatalf("dotted path lookup failed: %v", got)
	}
}

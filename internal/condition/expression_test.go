package condition

import (
	"errors"
	"testing"
)

func fields(kv ...any) Fields {
	m := make(Fields)
	for i := 0; i < len(kv)-1; i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func attrs(kv ...any) Fields {
	return fields("attributes", map[string]any(fields(kv...)))
}

func TestEvaluate(t *testing.T) {
	person := fields(
		"entity", map[string]any{"id": "e1", "type": "person", "confidence": 0.92, "observations": float64(3), "placeholder": false},
		"attributes", map[string]any{
			"name":      "Alice Smith",
			"email":     "alice@example.com",
			"seats":     float64(12),
			"plan":      "pro",
			"signed_up": "2024-03-01T10:00:00+02:00",
			"aliases":   []any{"ally", "a. smith"},
			"fax":       nil,
		},
		"sources", []any{"billing", "crm"},
	)

	cases := []struct {
		name string
		expr string
		ctx  EvalContext
		want bool
	}{
		// Numbers
		{"gt", "attributes.seats > 10", person, true},
		{"gt false", "attributes.seats > 12", person, false},
		{"gte equal", "attributes.seats >= 12", person, true},
		{"lt", "entity.confidence < 0.95", person, true},
		{"lte negative literal", "attributes.delta <= -1", attrs("delta", float64(-3)), true},
		{"observations", "entity.observations == 3", person, true},

		// Strings and booleans
		{"eq", `entity.type == "person"`, person, true},
		{"eq single quotes", `entity.type == 'company'`, person, false},
		{"neq", `attributes.plan != "free"`, person, true},
		{"bool", "entity.placeholder == false", person, true},
		{"bool keyword case", "entity.placeholder == TRUE", person, false},
		{"escaped quote", `attributes.nick == "the \"ace\""`, attrs("nick", `the "ace"`), true},

		// Word operators
		{"contains substring", `attributes.email contains "@example"`, person, true},
		{"contains list", `sources contains "crm"`, person, true},
		{"contains list miss", `sources contains "web"`, person, false},
		{"string slice", `sources contains "web"`, fields("sources", []string{"crm"}), false},
		{"startswith", `attributes.name startswith "Ali"`, person, true},
		{"startswith non-string", `attributes.seats startswith "1"`, person, false},
		{"endswith", `attributes.email endswith ".com"`, person, true},
		{"matches", `attributes.email matches "^[a-z]+@example\\.com$"`, person, true},
		{"matches miss", `attributes.email matches "@other\\.org$"`, person, false},
		{"list eq holds", `attributes.aliases == "ally"`, person, true},

		// in
		{"in", `attributes.plan in ["team", "pro"]`, person, true},
		{"in miss", `attributes.plan in ["free"]`, person, false},
		{"in numbers", `attributes.seats in [10, 12]`, person, true},
		{"in empty", `attributes.plan in []`, person, false},
		{"in missing field", `attributes.region in ["eu"]`, person, false},

		// Timestamps order chronologically
		{"timestamp", `attributes.signed_up >= "2024-03-01T07:00:00Z"`, person, true},
		{"timestamp before", `attributes.signed_up < "2024-03-01T07:00:00Z"`, person, false},
		{"string does not order against number", `attributes.name > 3`, person, false},

		// exists
		{"exists", "attributes.email exists", person, true},
		{"null does not exist", "attributes.fax exists", person, false},
		{"NOT exists", "NOT attributes.phone exists", person, true},

		// Logic
		{"AND", `entity.type == "person" AND attributes.seats > 10`, person, true},
		{"AND short", `entity.type == "company" AND attributes.seats > 10`, person, false},
		{"OR", `entity.type == "company" OR sources contains "crm"`, person, true},
		{"OR neither", `entity.type == "company" OR sources contains "web"`, person, false},
		{"lowercase keywords", `entity.type == "company" or not attributes.phone exists`, person, true},
		{"NOT", "NOT attributes.seats > 100", person, true},
		{"double NOT", "NOT NOT attributes.seats > 100", person, false},
		{"AND binds tighter", `entity.type == "company" AND attributes.seats > 1 OR attributes.plan == "pro"`, person, true},
		{"parentheses", `entity.type == "company" AND (attributes.seats > 1 OR attributes.plan == "pro")`, person, false},

		// Missing fields make comparisons false
		{"missing gt", "attributes.missing > 10", person, false},
		{"missing neq", `attributes.missing != "x"`, person, false},
		{"path through scalar", "attributes.seats.value == 12", person, false},
		{"unknown root", `account.id == "e1"`, person, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			x, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.expr, err)
			}
			got, err := Evaluate(x, tc.ctx)
			if err != nil {
				t.Fatalf("Evaluate error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		expr string
		pos  int
	}{
		{`"unterminated`, 0},
		{`attributes.seats 10`, 17},
		{``, 0},
		{`attributes.seats = 5`, 17},
		{`attributes.seats + 5 > 1`, 17},
		{`attributes.name matches 42`, 16},
		{`attributes.name matches "("`, 16},
		{`"literal" exists`, 10},
		{`(entity.type == "x"`, 19},
		{`attributes.plan in "pro"`, 19},
		{`attributes.plan in ["a" "b"]`, 24},
		{`attributes.plan in [entity.type]`, 31},
		{`entity.type == "x" extra`, 19},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			_, err := Parse(tc.expr)
			var serr *SyntaxError
			if !errors.As(err, &serr) {
				t.Fatalf("Parse(%q) error = %v, want *SyntaxError", tc.expr, err)
			}
			if serr.Pos != tc.pos {
				t.Errorf("Parse(%q) error at offset %d, want %d (%v)", tc.expr, serr.Pos, tc.pos, serr)
			}
		})
	}
}

func TestParseTree(t *testing.T) {
	x, err := Parse(`NOT a.b exists AND c in [1, "x", true]`)
	if err != nil {
		t.Fatal(err)
	}
	and, ok := x.(*Logical)
	if !ok || and.Op != And {
		t.Fatalf("root = %#v, want AND", x)
	}
	not, ok := and.Left.(*Not)
	if !ok {
		t.Fatalf("left = %#v, want NOT", and.Left)
	}
	if ex, ok := not.X.(*Exists); !ok || ex.Field.String() != "a.b" {
		t.Errorf("NOT operand = %#v, want a.b exists", not.X)
	}
	in, ok := and.Right.(*In)
	if !ok {
		t.Fatalf("right = %#v, want in", and.Right)
	}
	want := []any{float64(1), "x", true}
	if len(in.Set) != len(want) {
		t.Fatalf("set = %v, want %v", in.Set, want)
	}
	for i := range want {
		if in.Set[i] != want[i] {
			t.Errorf("set[%d] = %#v, want %#v", i, in.Set[i], want[i])
		}
	}
}

func TestFilter(t *testing.T) {
	f, err := Compile("   ")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.Match(fields()); !ok {
		t.Error("empty filter must match everything")
	}
	var zero *Filter
	if ok, _ := zero.Match(fields()); !ok {
		t.Error("nil filter must match everything")
	}

	f, err = Compile(` attributes.city == "Berlin" `)
	if err != nil {
		t.Fatal(err)
	}
	if f.String() != `attributes.city == "Berlin"` {
		t.Errorf("String() = %q", f.String())
	}
	ok, err := f.Match(attrs("city", "Berlin"))
	if err != nil || !ok {
		t.Errorf("Match() = %v, %v; want true", ok, err)
	}

	if _, err := Compile(`attributes.city ==`); err == nil {
		t.Error("Compile of a truncated expression succeeded")
	}
}

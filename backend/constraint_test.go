package backend

import (
	"testing"

	"github.com/mwantia/pacsindex/data"
)

func TestCompileGroupsPerTag(t *testing.T) {
	compiled, err := Compile([]data.Constraint{
		{Group: 0x0008, Element: 0x0020, Type: data.ConstraintGreaterOrEqual, Values: []string{"20240101"}},
		{Group: 0x0008, Element: 0x0020, Type: data.ConstraintSmallerOrEqual, Values: []string{"20240131"}},
		{Group: 0x0020, Element: 0x000d, Type: data.ConstraintEqual, Values: []string{"1.2.3"}, IsIdentifier: true},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if len(compiled.Normal) != 1 {
		t.Fatalf("Expected both range constraints folded into one predicate, got %d", len(compiled.Normal))
	}
	pred := compiled.Normal[0]
	if pred.Lower == nil || *pred.Lower != "20240101" || pred.Upper == nil || *pred.Upper != "20240131" {
		t.Errorf("Expected range [20240101, 20240131], got %+v", pred)
	}

	if len(compiled.Identifier) != 1 || !compiled.HasExactIdentifier {
		t.Errorf("Expected one exact identifier predicate, got %+v", compiled)
	}
}

func TestCompileDropsUniversalWildcard(t *testing.T) {
	compiled, err := Compile([]data.Constraint{
		{Group: 0x0010, Element: 0x0010, Type: data.ConstraintWildcard, Values: []string{"*"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !compiled.Empty() {
		t.Errorf("Expected '*' to compile to no filter, got %+v", compiled)
	}
}

func TestPredicateMatches(t *testing.T) {
	equal := "DOE^JOHN"
	compiled, err := Compile([]data.Constraint{
		{Group: 0x0010, Element: 0x0010, Type: data.ConstraintEqual, Values: []string{equal}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	pred := compiled.Normal[0]

	if !pred.Matches("doe^john") {
		t.Error("Case-insensitive equality must match different casing")
	}
	if pred.Matches("DOE^JANE") {
		t.Error("Equality must reject a different value")
	}

	sensitive, err := Compile([]data.Constraint{
		{Group: 0x0010, Element: 0x0010, Type: data.ConstraintEqual, Values: []string{equal}, CaseSensitive: true},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if sensitive.Normal[0].Matches("doe^john") {
		t.Error("Case-sensitive equality must reject different casing")
	}
}

func TestPredicateWildcardAndList(t *testing.T) {
	compiled, err := Compile([]data.Constraint{
		{Group: 0x0008, Element: 0x0060, Type: data.ConstraintWildcard, Values: []string{"C?"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	pred := compiled.Normal[0]
	if !pred.Matches("CT") || !pred.Matches("cr") {
		t.Error("Expected 'C?' to match CT and cr")
	}
	if pred.Matches("CTA") {
		t.Error("Expected 'C?' to reject three characters")
	}

	list, err := Compile([]data.Constraint{
		{Group: 0x0008, Element: 0x0060, Type: data.ConstraintList, Values: []string{"CT", "MR"}},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !list.Normal[0].Matches("MR") || list.Normal[0].Matches("US") {
		t.Error("List membership mismatch")
	}
}

func TestWildcardToLike(t *testing.T) {
	cases := map[string]string{
		"C?":      "C_",
		"1.2.*":   "1.2.%",
		"50%":     `50\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for pattern, expected := range cases {
		if got := WildcardToLike(pattern); got != expected {
			t.Errorf("WildcardToLike(%q) = %q, expected %q", pattern, got, expected)
		}
	}
}

func TestWildcardToRegexp(t *testing.T) {
	re, err := WildcardToRegexp("1.2.*")
	if err != nil {
		t.Fatalf("WildcardToRegexp failed: %v", err)
	}
	if !re.MatchString("1.2.840") {
		t.Error("Expected prefix match")
	}
	if re.MatchString("1x2x840") {
		t.Error("Dots must match literally")
	}
}

func TestIsSortableLevel(t *testing.T) {
	if IsSortableLevel(data.LevelPatient) || IsSortableLevel(data.LevelInstance) {
		t.Error("Patients and instances carry no sort keys")
	}
	if !IsSortableLevel(data.LevelStudy) || !IsSortableLevel(data.LevelSeries) {
		t.Error("Studies and series must be sortable")
	}
}

package cmd

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/marcus/herd/internal/schema"
	"github.com/marcus/herd/internal/store"
)

var animalSchema = &schema.Schema{
	Name:       "animals",
	PrimaryKey: "registration",
	Fields: map[string]schema.Field{
		"registration": {Type: schema.TypeString},
		"weight_kg":    {Type: schema.TypeNumber},
		"litter":       {Type: schema.TypeInteger},
		"pregnant":     {Type: schema.TypeBoolean},
		"tags":         {Type: schema.TypeArray},
	},
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments(animalSchema, []string{
		"registration=007", "weight_kg=412.5", "litter=3", "pregnant=true",
		`tags=["a","b"]`, "notes=12", "color=brown", "name=null",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"registration": "007",
		"weight_kg":    412.5,
		"litter":       int64(3),
		"pregnant":     true,
		"tags":         []any{"a", "b"},
		"notes":        float64(12),
		"color":        "brown",
		"name":         nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseAssignments =\n%#v\nwant\n%#v", got, want)
	}
}

func TestParseAssignmentsErrors(t *testing.T) {
	tests := map[string]string{
		"no equals":   "weight_kg",
		"empty name":  "=3",
		"bad number":  "weight_kg=heavy",
		"bad integer": "litter=2.5",
		"bad bool":    "pregnant=maybe",
		"bad json":    "tags=[",
	}
	for name, pair := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseAssignments(animalSchema, []string{pair}); err == nil {
				t.Errorf("expected error for %q", pair)
			}
		})
	}
}

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument(`{"registration":"A1","weight_kg":300}`)
	if err != nil || doc["registration"] != "A1" {
		t.Fatalf("parseDocument = %v, %v", doc, err)
	}
	if _, err := parseDocument(`[1,2]`); err == nil {
		t.Error("arrays should be rejected")
	}
}

func TestParseSort(t *testing.T) {
	got, err := parseSort([]string{"name", "weight_kg:desc", "birth_date:ASC"})
	if err != nil {
		t.Fatal(err)
	}
	want := []store.SortField{{Field: "name"}, {Field: "weight_kg", Desc: true}, {Field: "birth_date"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSort = %+v", got)
	}
	if _, err := parseSort([]string{"name:sideways"}); err == nil {
		t.Error("expected direction error")
	}
	if _, err := parseSort([]string{":desc"}); err == nil {
		t.Error("expected field error")
	}
}

func TestParseAssignmentsDateShorthand(t *testing.T) {
	old := now
	now = func() time.Time { return time.Date(2026, 2, 18, 9, 0, 0, 0, time.UTC) }
	defer func() { now = old }()

	sc := &schema.Schema{Name: "weighings", Fields: map[string]schema.Field{
		"weighed_date": {Type: schema.TypeString},
		"notes":        {Type: schema.TypeString},
	}}
	got, err := parseAssignments(sc, []string{"weighed_date=yesterday", "notes=today"})
	if err != nil {
		t.Fatal(err)
	}
	if got["weighed_date"] != "2026-02-17" || got["notes"] != "today" {
		t.Errorf("got %v", got)
	}
	got, _ = parseAssignments(sc, []string{"weighed_date=spring"})
	if got["weighed_date"] != "spring" {
		t.Errorf("unparseable dates pass through for validation, got %v", got["weighed_date"])
	}
}

func TestParseAssignmentsStrictUnknownField(t *testing.T) {
	sc := &schema.Schema{Name: "animals", Strict: true, Fields: map[string]schema.Field{
		"weight_kg": {Type: schema.TypeNumber},
	}}
	_, err := parseAssignments(sc, []string{"weight=400"})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Reason, "did you mean weight_kg?") {
		t.Errorf("err = %v", err)
	}
}

func TestUnknownCollectionHint(t *testing.T) {
	err := unknownCollection([]string{"animals", "farms"}, "animal")
	if !errors.Is(err, store.ErrUnknownCollection) || !strings.Contains(err.Error(), "did you mean animals?") {
		t.Errorf("err = %v", err)
	}
	err = unknownCollection([]string{"animals", "farms"}, "horses")
	if !strings.Contains(err.Error(), "known: animals, farms") {
		t.Errorf("err = %v", err)
	}
}

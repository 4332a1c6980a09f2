package query

import (
	"context"
	"fmt"
	"testing"

	"github.com/birchdb/birch/pkg/codec"
)

func memSource(docs map[string]any) Source {
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	return Source{
		Stream: func(ctx context.Context, prefix string, fn func(Entry) bool) error {
			for _, k := range keys {
				encoded, err := codec.Encode(docs[k])
				if err != nil {
					return err
				}
				if !fn(Entry{Key: k, Value: encoded}) {
					return nil
				}
			}
			return nil
		},
	}
}

func TestScenarioEPrefixFilterSortLimit(t *testing.T) {
	docs := map[string]any{}
	cities := []string{"Cairo", "Alexandria", "Giza"}
	for i := 1; i <= 500; i++ {
		docs[fmt.Sprintf("user:%d", i)] = map[string]any{
			"age":    float64(20 + i%50),
			"city":   cities[i%3],
			"active": i%2 == 0,
		}
	}
	docs["order:1"] = map[string]any{"total": float64(10)}

	b := New(memSource(docs)).
		Prefix("user:").
		Where("age", OpGte, float64(30)).
		Where("age", OpLt, float64(40)).
		Where("city", OpEq, "Cairo").
		Where("active", OpEq, true).
		Sort("age", Desc).
		Limit(10)

	results, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) > 10 {
		t.Fatalf("expected at most 10 results, got %d", len(results))
	}
	lastAge := 1000.0
	for _, r := range results {
		age := r["age"].(float64)
		if age < 30 || age >= 40 {
			t.Fatalf("age %v out of range [30,40)", age)
		}
		if r["city"] != "Cairo" {
			t.Fatalf("city %v != Cairo", r["city"])
		}
		if r["active"] != true {
			t.Fatalf("active %v != true", r["active"])
		}
		if age > lastAge {
			t.Fatalf("results not sorted descending by age: %v after %v", age, lastAge)
		}
		lastAge = age
	}
}

func TestResultShapeObjectVsPrimitive(t *testing.T) {
	docs := map[string]any{
		"obj": map[string]any{"a": float64(1)},
		"arr": []any{float64(1), float64(2)},
		"num": float64(42),
	}
	b := New(memSource(docs))
	results, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	byKey := map[string]Result{}
	for _, r := range results {
		byKey[r["key"].(string)] = r
	}
	if byKey["obj"]["a"] != float64(1) {
		t.Fatalf("expected object result to spread fields: %v", byKey["obj"])
	}
	if _, hasValue := byKey["obj"]["value"]; hasValue {
		t.Fatalf("object result should not have a value field: %v", byKey["obj"])
	}
	if v, ok := byKey["arr"]["value"].([]any); !ok || len(v) != 2 {
		t.Fatalf("expected array result shaped as {key, value}: %v", byKey["arr"])
	}
	if byKey["num"]["value"] != float64(42) {
		t.Fatalf("expected primitive result shaped as {key, value}: %v", byKey["num"])
	}
}

func TestCountFirstExists(t *testing.T) {
	docs := map[string]any{
		"a": map[string]any{"n": float64(1)},
		"b": map[string]any{"n": float64(2)},
	}
	b := New(memSource(docs)).Where("n", OpGte, float64(2))
	count, err := b.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Count() = %d; want 1", count)
	}

	exists, err := b.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatalf("Exists() = false; want true")
	}

	noMatch := New(memSource(docs)).Where("n", OpGt, float64(100))
	first, err := noMatch.First(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != nil {
		t.Fatalf("First() = %v; want nil", first)
	}
}

func TestPluckSkipsUndefined(t *testing.T) {
	docs := map[string]any{
		"a": map[string]any{"n": float64(1)},
		"b": map[string]any{}, // no "n" field
	}
	b := New(memSource(docs))
	values, err := b.Pluck(context.Background(), "n")
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 || values[0] != float64(1) {
		t.Fatalf("Pluck(n) = %v; want [1]", values)
	}
}

func TestNestedPathResolution(t *testing.T) {
	docs := map[string]any{
		"a": map[string]any{"addr": map[string]any{"city": "Cairo"}},
		"b": map[string]any{},
	}
	b := New(memSource(docs)).Where("addr.city", OpEq, "Cairo")
	results, err := b.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0]["key"] != "a" {
		t.Fatalf("expected nested path match to find only 'a', got %v", results)
	}
}

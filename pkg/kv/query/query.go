// Package query implements a streaming query planner: a builder
// collects a prefix/regex/filter/sort/limit plan, then a terminal call
// fuses filtering into a single pass over the backend's stream, pushing
// the scan down to the backend when the shape of the query allows it.
//
// Nothing in the example pack implements a filter/sort/limit planner, so
// this is built directly in the façade's own streaming idiom (a Source
// the caller wires to its backend.Backend, rather than importing
// pkg/backend directly here and risking an import cycle with pkg/kv).
package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/birchdb/birch/pkg/codec"
)

// Entry is one already-codec-encoded key/value pair, the same shape
// pkg/backend streams.
type Entry struct {
	Key   string
	Value string
}

// Source is the minimal streaming surface the planner needs from a
// backend. PushdownFetch is optional (nil when the backend doesn't
// support it); Source.Pushdown reports whether it is safe to call.
type Source struct {
	// Stream yields entries with the given key prefix (prefix == "" means
	// every entry) in backend-native order, stopping when fn returns
	// false.
	Stream func(ctx context.Context, prefix string, fn func(Entry) bool) error

	// Pushdown reports whether PushdownFetch is usable for this backend.
	Pushdown bool

	// PushdownFetch issues a single ranged, key-ordered query with
	// limit/offset applied at the backend.
	PushdownFetch func(ctx context.Context, prefix string, descending bool, limit, offset int) ([]Entry, error)
}

// SortOrder is ascending or descending.
type SortOrder int

const (
	Asc SortOrder = iota
	Desc
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq         Op = "="
	OpEqEq       Op = "=="
	OpNeq        Op = "!="
	OpLt         Op = "<"
	OpLte        Op = "<="
	OpGt         Op = ">"
	OpGte        Op = ">="
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
)

// Filter is one where(field, op, value) clause.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Result is one item of a query's result set: {key, ...document} for a
// non-array object document, or {key, value: document} otherwise.
type Result map[string]any

// Builder accumulates query state. The zero value via New is ready to
// use; every setter returns the builder for chaining.
type Builder struct {
	source Source

	prefix      string
	regex       *regexp.Regexp
	filters     []Filter
	sortField   string
	sortOrder   SortOrder
	limit       *int
	offset      int
	selectFields []string
}

// New constructs a Builder over source.
func New(source Source) *Builder {
	return &Builder{source: source}
}

func (b *Builder) Prefix(p string) *Builder {
	b.prefix = p
	return b
}

func (b *Builder) Regex(re *regexp.Regexp) *Builder {
	b.regex = re
	return b
}

func (b *Builder) Where(field string, op Op, value any) *Builder {
	b.filters = append(b.filters, Filter{Field: field, Op: op, Value: value})
	return b
}

func (b *Builder) Sort(field string, order SortOrder) *Builder {
	b.sortField = field
	b.sortOrder = order
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.limit = &n
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.offset = n
	return b
}

func (b *Builder) Select(fields ...string) *Builder {
	b.selectFields = fields
	return b
}

// pushdownEligible requires backend support, a prefix filter, no regex
// filter, and no value filters.
func (b *Builder) pushdownEligible() bool {
	return b.source.Pushdown && b.prefix != "" && b.regex == nil && len(b.filters) == 0
}

// Get executes the plan and returns every matching result.
func (b *Builder) Get(ctx context.Context) ([]Result, error) {
	if b.pushdownEligible() && (b.sortField == "" || b.sortField == "key") {
		return b.getPushdown(ctx)
	}
	return b.getStreaming(ctx)
}

func (b *Builder) getPushdown(ctx context.Context) ([]Result, error) {
	limit := 0
	if b.limit != nil {
		limit = *b.limit
	}
	entries, err := b.source.PushdownFetch(ctx, b.prefix, b.sortOrder == Desc, limit, b.offset)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		results = append(results, shapeResult(e.Key, codec.Decode(e.Value), b.selectFields))
	}
	return results, nil
}

func (b *Builder) getStreaming(ctx context.Context) ([]Result, error) {
	useTopK := b.sortField != "" && b.limit != nil && (*b.limit+b.offset) < 1000
	earlyExit := b.sortField == "" && b.limit != nil

	var results []Result
	var streamErr error
	bound := 0
	if b.limit != nil {
		bound = *b.limit + b.offset
	}

	err := b.source.Stream(ctx, b.prefix, func(e Entry) bool {
		doc := codec.Decode(e.Value)
		if !b.accepts(e.Key, doc) {
			return true
		}
		results = append(results, shapeResult(e.Key, doc, nil))

		if useTopK && len(results) > bound {
			sortResults(results, b.sortField, b.sortOrder)
			results = results[:bound]
		}
		if earlyExit && len(results) >= bound {
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	if b.sortField != "" {
		sortResults(results, b.sortField, b.sortOrder)
	}
	if b.offset > 0 {
		if b.offset >= len(results) {
			results = nil
		} else {
			results = results[b.offset:]
		}
	}
	if b.limit != nil && *b.limit < len(results) {
		results = results[:*b.limit]
	}
	if len(b.selectFields) > 0 {
		for i, r := range results {
			results[i] = project(r, b.selectFields)
		}
	}
	return results, nil
}

// accepts applies the prefix (already narrowed by Stream, rechecked
// here in case the backend's own prefix scan is advisory) → regex →
// value-filter chain.
func (b *Builder) accepts(key string, doc any) bool {
	if b.prefix != "" && !strings.HasPrefix(key, b.prefix) {
		return false
	}
	if b.regex != nil && !b.regex.MatchString(key) {
		return false
	}
	for _, f := range b.filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

// Count executes the filter chain only and returns the number of
// matches.
func (b *Builder) Count(ctx context.Context) (int, error) {
	count := 0
	err := b.source.Stream(ctx, b.prefix, func(e Entry) bool {
		doc := codec.Decode(e.Value)
		if b.accepts(e.Key, doc) {
			count++
		}
		return true
	})
	return count, err
}

// First executes with an implicit limit of 1 and returns the first
// matching result, or nil if there is none.
func (b *Builder) First(ctx context.Context) (*Result, error) {
	clone := *b
	one := 1
	clone.limit = &one
	results, err := clone.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Exists reports whether First would return a non-nil result.
func (b *Builder) Exists(ctx context.Context) (bool, error) {
	r, err := b.First(ctx)
	return r != nil, err
}

// Pluck returns field's value from every result of Get, skipping
// results where the field is undefined.
func (b *Builder) Pluck(ctx context.Context, field string) ([]any, error) {
	results, err := b.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		v, ok := r[field]
		if !ok {
			continue
		}
		if v == codec.Undefined {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func shapeResult(key string, doc any, selectFields []string) Result {
	var r Result
	if obj, ok := doc.(map[string]any); ok {
		r = make(Result, len(obj)+1)
		for k, v := range obj {
			r[k] = v
		}
		r["key"] = key
	} else {
		r = Result{"key": key, "value": doc}
	}
	if len(selectFields) > 0 {
		r = project(r, selectFields)
	}
	return r
}

func project(r Result, fields []string) Result {
	out := make(Result, len(fields)+1)
	out["key"] = r["key"]
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// resolvePath resolves a dotted path "a.b.c" against a decoded
// document. If any intermediate is absent, nil, or codec.Undefined, the
// result is codec.Undefined.
func resolvePath(doc any, path string) any {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		if cur == nil {
			return codec.Undefined
		}
		if cur == codec.Undefined {
			return codec.Undefined
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return codec.Undefined
		}
		v, ok := obj[part]
		if !ok {
			return codec.Undefined
		}
		cur = v
	}
	return cur
}

func matchFilter(doc any, f Filter) bool {
	v := resolvePath(doc, f.Field)
	switch f.Op {
	case OpEq, OpEqEq:
		return valueEqual(v, f.Value)
	case OpNeq:
		return !valueEqual(v, f.Value)
	case OpLt, OpLte, OpGt, OpGte:
		return compareOrdered(v, f.Value, f.Op)
	case OpContains:
		return strings.Contains(coerceString(v), coerceString(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(coerceString(v), coerceString(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(coerceString(v), coerceString(f.Value))
	case OpIn:
		return membership(v, f.Value)
	case OpNotIn:
		return !membership(v, f.Value)
	default:
		return false
	}
}

func valueEqual(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	default:
		return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
	}
}

func compareOrdered(a, b any, op Op) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return numericCompare(af, bf, op)
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return stringCompare(as, bs, op)
	}
	return false
}

func numericCompare(a, b float64, op Op) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func stringCompare(a, b string, op Op) bool {
	switch op {
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	}
	return false
}

func coerceString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func membership(v, rhs any) bool {
	arr, ok := rhs.([]any)
	if !ok {
		return false
	}
	for _, item := range arr {
		if valueEqual(v, item) {
			return true
		}
	}
	return false
}

// sortResults stable-sorts by field, sending null/undefined (and
// missing) values to the end regardless of order.
func sortResults(results []Result, field string, order SortOrder) {
	sort.SliceStable(results, func(i, j int) bool {
		vi, oki := fieldFor(results[i], field)
		vj, okj := fieldFor(results[j], field)
		if !oki && !okj {
			return false
		}
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		less := lessValue(vi, vj)
		if order == Desc {
			return !less && !valuesEqualForSort(vi, vj)
		}
		return less
	})
}

func fieldFor(r Result, field string) (any, bool) {
	v, ok := r[field]
	if !ok {
		return nil, false
	}
	if v == codec.Undefined {
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func lessValue(a, b any) bool {
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af < bf
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as < bs
		}
	}
	return false
}

func valuesEqualForSort(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

package birch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/kv/query"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "runs a filter/sort/limit query over the store",
	Long: `Runs a streaming query over the store, e.g.

  birch query --prefix user: --where "age:>:21" --sort name --limit 10`,
	RunE: runQuery,
}

var (
	queryPrefix string
	queryRegex  string
	queryWhere  []string
	querySort   string
	queryDesc   bool
	queryLimit  int
	queryOffset int
	querySelect string
	queryCount  bool
)

func init() {
	queryCmd.Flags().StringVar(&queryPrefix, "prefix", "", "restrict the query to keys with this prefix")
	queryCmd.Flags().StringVar(&queryRegex, "regex", "", "restrict the query to keys matching this regular expression")
	queryCmd.Flags().StringArrayVar(&queryWhere, "where", nil, `filter clause "field:op:value", repeatable`)
	queryCmd.Flags().StringVar(&querySort, "sort", "", "field to sort results by")
	queryCmd.Flags().BoolVar(&queryDesc, "desc", false, "sort descending instead of ascending")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum number of results (0 means unlimited)")
	queryCmd.Flags().IntVar(&queryOffset, "offset", 0, "number of results to skip")
	queryCmd.Flags().StringVar(&querySelect, "select", "", "comma-separated list of fields to project")
	queryCmd.Flags().BoolVar(&queryCount, "count", false, "print only the matching count")
}

var queryOps = map[string]query.Op{
	"=": query.OpEq, "==": query.OpEqEq, "!=": query.OpNeq,
	"<": query.OpLt, "<=": query.OpLte, ">": query.OpGt, ">=": query.OpGte,
	"contains": query.OpContains, "startsWith": query.OpStartsWith, "endsWith": query.OpEndsWith,
	"in": query.OpIn, "notIn": query.OpNotIn,
}

func parseWhere(clauses []string) ([]query.Filter, error) {
	filters := make([]query.Filter, 0, len(clauses))
	for _, c := range clauses {
		parts := strings.SplitN(c, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf(`invalid --where clause %q, want "field:op:value"`, c)
		}
		op, ok := queryOps[parts[1]]
		if !ok {
			return nil, fmt.Errorf("unknown operator %q in --where clause %q", parts[1], c)
		}
		filters = append(filters, query.Filter{Field: parts[0], Op: op, Value: parseValue(parts[2])})
	}
	return filters, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	b := store.Query()
	if queryPrefix != "" {
		b.Prefix(queryPrefix)
	}
	if queryRegex != "" {
		re, err := regexp.Compile(queryRegex)
		if err != nil {
			return fmt.Errorf("invalid --regex: %w", err)
		}
		b.Regex(re)
	}
	filters, err := parseWhere(queryWhere)
	if err != nil {
		return err
	}
	for _, f := range filters {
		b.Where(f.Field, f.Op, f.Value)
	}
	if querySort != "" {
		order := query.Asc
		if queryDesc {
			order = query.Desc
		}
		b.Sort(querySort, order)
	}
	if queryLimit > 0 {
		b.Limit(queryLimit)
	}
	if queryOffset > 0 {
		b.Offset(queryOffset)
	}
	if querySelect != "" {
		b.Select(strings.Split(querySelect, ",")...)
	}

	ctx := context.Background()
	if queryCount {
		n, err := b.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	results, err := b.Get(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}

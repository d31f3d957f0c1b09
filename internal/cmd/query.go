package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/style"
	"github.com/steveyegge/docsync/internal/syncengine"
)

var queryCmd = &cobra.Command{
	Use:   "query <collection-path>",
	Short: "Query the local cache",
	Long: `Run a query against the local cache, including pending local writes.

Filters take the form <field><op><value>, where op is one of
==, !=, <, <=, >, >=, in, not-in, array-contains, array-contains-any and the
value is JSON (bare words are strings).

Examples:
  docsync query rooms
  docsync query rooms --where 'capacity>=20' --order-by capacity:desc --limit 5
  docsync query messages --group --where 'tags array-contains "urgent"'
  docsync query rooms --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var (
	queryWhere       []string
	queryOrderBy     []string
	queryLimit       int
	queryLimitToLast int
	queryGroup       bool
	queryWatch       bool
)

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringArrayVarP(&queryWhere, "where", "w", nil, "Filter (repeatable)")
	queryCmd.Flags().StringArrayVarP(&queryOrderBy, "order-by", "o", nil, "Order by field[:asc|desc] (repeatable)")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "Return at most n documents")
	queryCmd.Flags().IntVar(&queryLimitToLast, "limit-to-last", 0, "Return the last n documents")
	queryCmd.Flags().BoolVar(&queryGroup, "group", false, "Query every collection with this id")
	queryCmd.Flags().BoolVar(&queryWatch, "watch", false, "Print a snapshot on every change until interrupted")
}

// Longer operators first so "<=" is not read as "<".
var filterPattern = regexp.MustCompile(`^\s*([^\s=!<>]+)\s*(array-contains-any|array-contains|not-in|in|==|!=|<=|>=|<|>)\s*(.+?)\s*$`)

// parseFilter parses a <field><op><value> filter.
func parseFilter(s string) (model.FieldFilter, error) {
	m := filterPattern.FindStringSubmatch(s)
	if m == nil {
		return model.FieldFilter{}, fmt.Errorf("invalid filter %q", s)
	}
	field, err := model.ParseFieldPath(m[1])
	if err != nil {
		return model.FieldFilter{}, err
	}
	var value interface{}
	if err := json.Unmarshal([]byte(m[3]), &value); err != nil {
		value = m[3]
	}
	return model.NewFieldFilter(field, model.Operator(m[2]), model.ValueFromGo(value))
}

// buildQuery assembles the query described by the command's flags.
func buildQuery(path string, where, orderBy []string, limit, limitToLast int, group bool) (model.Query, error) {
	var q model.Query
	if group {
		if strings.Contains(path, "/") {
			return q, fmt.Errorf("a collection group is a collection id, not a path: %q", path)
		}
		q = model.NewCollectionGroupQuery(model.NewResourcePath(), path)
	} else {
		rp, err := model.ParseResourcePath(path)
		if err != nil {
			return q, err
		}
		if rp.IsDocumentPath() {
			return q, fmt.Errorf("%q is a document path; use a collection path", path)
		}
		q = model.NewQuery(rp)
	}

	for _, w := range where {
		f, err := parseFilter(w)
		if err != nil {
			return q, err
		}
		q = q.WithFilter(f)
	}
	for _, o := range orderBy {
		name, dirName, _ := strings.Cut(o, ":")
		field, err := model.ParseFieldPath(name)
		if err != nil {
			return q, err
		}
		dir := model.Ascending
		switch dirName {
		case "", "asc":
		case "desc":
			dir = model.Descending
		default:
			return q, fmt.Errorf("invalid direction %q in %q", dirName, o)
		}
		q = q.WithOrderBy(field, dir)
	}
	switch {
	case limit > 0 && limitToLast > 0:
		return q, fmt.Errorf("--limit and --limit-to-last are exclusive")
	case limit > 0:
		q = q.WithLimitToFirst(limit)
	case limitToLast > 0:
		if len(orderBy) == 0 {
			return q, fmt.Errorf("--limit-to-last needs --order-by")
		}
		q = q.WithLimitToLast(limitToLast)
	}
	return q, nil
}

type documentRow struct {
	Path          string                 `json:"path" yaml:"path"`
	PendingWrites bool                   `json:"pendingWrites" yaml:"pending_writes"`
	Data          map[string]interface{} `json:"data" yaml:"data"`
}

func snapshotRows(snap *syncengine.ViewSnapshot) []documentRow {
	rows := make([]documentRow, 0, snap.Docs.Len())
	for _, d := range snap.Docs.Docs() {
		data, _ := d.Data().ToValue().ToGo().(map[string]interface{})
		rows = append(rows, documentRow{
			Path:          d.Key().String(),
			PendingWrites: snap.MutatedKeys.Has(d.Key()),
			Data:          data,
		})
	}
	return rows
}

func printSnapshot(w io.Writer, snap *syncengine.ViewSnapshot) error {
	rows := snapshotRows(snap)
	if ok, err := printStructured(w, rows); ok {
		return err
	}
	for _, r := range rows {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return err
		}
		marker := " "
		if r.PendingWrites {
			marker = style.Warning.Render("*")
		}
		fmt.Fprintf(w, "%s %s %s\n", marker, style.Bold.Render(r.Path), string(data))
	}
	source := "server"
	if snap.FromCache {
		source = "cache"
	}
	fmt.Fprintln(w, style.Dim.Render(fmt.Sprintf("%d document(s) from %s", len(rows), source)))
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(args[0], queryWhere, queryOrderBy, queryLimit, queryLimitToLast, queryGroup)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	return withClient(ctx, func(c *client.Client) error {
		if !queryWatch {
			snap, err := c.ExecuteQuery(ctx, q)
			if err != nil {
				return err
			}
			return printSnapshot(os.Stdout, snap)
		}

		errs := make(chan error, 1)
		reg, err := c.Listen(ctx, q, syncengine.ListenOptions{IncludeMetadataChanges: true},
			func(snap *syncengine.ViewSnapshot, err error) {
				if err == nil {
					err = printSnapshot(os.Stdout, snap)
				}
				if err != nil {
					select {
					case errs <- err:
					default:
					}
				}
			})
		if err != nil {
			return err
		}
		defer func() { _ = reg.Remove(ctx) }()
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		}
	})
}

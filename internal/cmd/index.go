package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/style"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage client-side field indexes",
	Long: `Manage the field indexes the local query engine uses.

Indexes are declared per collection group. Each field takes an optional kind
suffix: asc (default), desc or contains.`,
}

var indexAddCmd = &cobra.Command{
	Use:   "add <collection-group> <field[:kind]>...",
	Short: "Add a field index",
	Long: `Add a field index over one or more fields.

Examples:
  docsync index add rooms capacity
  docsync index add rooms floor:asc capacity:desc
  docsync index add messages tags:contains sentAt:desc`,
	Args: cobra.MinimumNArgs(2),
	RunE: runIndexAdd,
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List field indexes",
	Args:  cobra.NoArgs,
	RunE:  runIndexList,
}

var indexRemoveCmd = &cobra.Command{
	Use:   "rm [index-id]...",
	Short: "Remove field indexes",
	Long: `Remove field indexes by id, or all of them with --all.

Examples:
  docsync index rm 3
  docsync index rm --all`,
	RunE: runIndexRemove,
}

var indexRemoveAll bool

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexAddCmd)
	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexRemoveCmd)

	indexRemoveCmd.Flags().BoolVar(&indexRemoveAll, "all", false, "Remove every index")
}

// parseIndexSpec builds a field index from a collection group and field[:kind] arguments.
func parseIndexSpec(group string, fields []string) (model.FieldIndex, error) {
	if group == "" || strings.Contains(group, "/") {
		return model.FieldIndex{}, fmt.Errorf("invalid collection group %q", group)
	}
	idx := model.FieldIndex{CollectionGroup: group}
	for _, f := range fields {
		name, kindName, hasKind := strings.Cut(f, ":")
		kind := model.SegmentAscending
		if hasKind {
			var err error
			if kind, err = model.ParseSegmentKind(kindName); err != nil {
				return model.FieldIndex{}, err
			}
		}
		path, err := model.ParseFieldPath(name)
		if err != nil {
			return model.FieldIndex{}, err
		}
		idx.Segments = append(idx.Segments, model.IndexSegment{FieldPath: path, Kind: kind})
	}
	if countContains(idx) > 1 {
		return model.FieldIndex{}, fmt.Errorf("an index can have at most one contains segment")
	}
	return idx, nil
}

func countContains(idx model.FieldIndex) int {
	n := 0
	for _, s := range idx.Segments {
		if s.Kind == model.SegmentContains {
			n++
		}
	}
	return n
}

func runIndexAdd(cmd *cobra.Command, args []string) error {
	idx, err := parseIndexSpec(args[0], args[1:])
	if err != nil {
		return err
	}
	return withClient(cmd.Context(), func(c *client.Client) error {
		existing, err := c.GetFieldIndexes(cmd.Context())
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.SemanticallyEqual(idx) {
				fmt.Printf("%s Index already exists: %s\n", style.WarningPrefix, e)
				return nil
			}
		}
		if err := c.ConfigureFieldIndexes(cmd.Context(), append(existing, idx)); err != nil {
			return err
		}
		fmt.Printf("%s Added index %s\n", style.SuccessPrefix, style.Bold.Render(idx.String()))
		return nil
	})
}

type indexRow struct {
	ID              int      `json:"id" yaml:"id"`
	CollectionGroup string   `json:"collectionGroup" yaml:"collection_group"`
	Fields          []string `json:"fields" yaml:"fields"`
	SequenceNumber  int64    `json:"sequenceNumber" yaml:"sequence_number"`
}

func runIndexList(cmd *cobra.Command, args []string) error {
	return withClient(cmd.Context(), func(c *client.Client) error {
		indexes, err := c.GetFieldIndexes(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([]indexRow, 0, len(indexes))
		for _, idx := range indexes {
			row := indexRow{ID: idx.IndexID, CollectionGroup: idx.CollectionGroup, SequenceNumber: idx.State.SequenceNumber}
			for _, s := range idx.Segments {
				row.Fields = append(row.Fields, s.FieldPath.CanonicalString()+":"+s.Kind.String())
			}
			rows = append(rows, row)
		}
		if ok, err := printStructured(os.Stdout, rows); ok {
			return err
		}
		if len(rows) == 0 {
			fmt.Println(style.Dim.Render("No field indexes"))
			return nil
		}
		for _, r := range rows {
			fmt.Printf("%s  %s  %s\n", style.Dim.Render(fmt.Sprintf("#%d", r.ID)),
				style.Bold.Render(r.CollectionGroup), strings.Join(r.Fields, ", "))
		}
		return nil
	})
}

func runIndexRemove(cmd *cobra.Command, args []string) error {
	if indexRemoveAll == (len(args) > 0) {
		return fmt.Errorf("pass index ids or --all")
	}
	remove := map[int]bool{}
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid index id %q", a)
		}
		remove[id] = true
	}

	return withClient(cmd.Context(), func(c *client.Client) error {
		if indexRemoveAll {
			if err := c.DeleteAllFieldIndexes(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("%s Removed all field indexes\n", style.SuccessPrefix)
			return nil
		}
		existing, err := c.GetFieldIndexes(cmd.Context())
		if err != nil {
			return err
		}
		var keep []model.FieldIndex
		for _, idx := range existing {
			if remove[idx.IndexID] {
				delete(remove, idx.IndexID)
				continue
			}
			keep = append(keep, idx)
		}
		if len(remove) > 0 {
			missing := make([]string, 0, len(remove))
			for id := range remove {
				missing = append(missing, strconv.Itoa(id))
			}
			sort.Strings(missing)
			return fmt.Errorf("no index with id %s", strings.Join(missing, ", "))
		}
		if err := c.ConfigureFieldIndexes(cmd.Context(), keep); err != nil {
			return err
		}
		fmt.Printf("%s Removed %d index(es)\n", style.SuccessPrefix, len(existing)-len(keep))
		return nil
	})
}

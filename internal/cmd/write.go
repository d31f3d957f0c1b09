package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/style"
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Queue document writes",
	Long: `Queue a write against the local cache.

Writes are visible to local queries immediately and are sent to the backend
when the client is online. With --wait the command blocks until the backend
acknowledges or rejects the write.

Document data is a JSON object given as an argument, or read from stdin when
the argument is "-".`,
}

var writeSetCmd = &cobra.Command{
	Use:   "set <document-path> <json|->",
	Short: "Overwrite a document",
	Long: `Overwrite a document, creating it if needed.

Examples:
  docsync write set rooms/lobby '{"capacity": 40, "floor": 1}'
  cat room.json | docsync write set rooms/lobby -`,
	Args: cobra.ExactArgs(2),
	RunE: runWriteSet,
}

var writePatchCmd = &cobra.Command{
	Use:   "patch <document-path> <json|->",
	Short: "Update fields of an existing document",
	Long: `Update the given fields of a document. Nested objects name nested fields;
fields not mentioned are left alone. The document must exist.

Examples:
  docsync write patch rooms/lobby '{"capacity": 45}'
  docsync write patch rooms/lobby '{"owner": {"name": "ops"}}'`,
	Args: cobra.ExactArgs(2),
	RunE: runWritePatch,
}

var writeDeleteCmd = &cobra.Command{
	Use:   "delete <document-path>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runWriteDelete,
}

var (
	writeWait    bool
	writeTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(writeCmd)
	writeCmd.AddCommand(writeSetCmd)
	writeCmd.AddCommand(writePatchCmd)
	writeCmd.AddCommand(writeDeleteCmd)

	writeCmd.PersistentFlags().BoolVar(&writeWait, "wait", false, "Wait for the backend to acknowledge the write")
	writeCmd.PersistentFlags().DurationVar(&writeTimeout, "timeout", 30*time.Second, "How long --wait waits")
}

// readDocumentData parses a JSON object from arg, or from in when arg is "-".
func readDocumentData(arg string, in io.Reader) (model.ObjectValue, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(in); err != nil {
			return model.ObjectValue{}, fmt.Errorf("reading stdin: %w", err)
		}
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return model.ObjectValue{}, fmt.Errorf("document data must be a JSON object: %w", err)
	}
	return model.ObjectFromGo(fields), nil
}

func runWriteSet(cmd *cobra.Command, args []string) error {
	key, err := model.ParseDocumentKey(args[0])
	if err != nil {
		return err
	}
	data, err := readDocumentData(args[1], os.Stdin)
	if err != nil {
		return err
	}
	return runWrite(cmd.Context(), model.NewSetMutation(key, data, model.PreconditionNone()))
}

func runWritePatch(cmd *cobra.Command, args []string) error {
	key, err := model.ParseDocumentKey(args[0])
	if err != nil {
		return err
	}
	data, err := readDocumentData(args[1], os.Stdin)
	if err != nil {
		return err
	}
	if data.Len() == 0 {
		return fmt.Errorf("patch names no fields")
	}
	return runWrite(cmd.Context(), model.NewPatchMutation(key, data, data.FieldMask(), model.PreconditionExists(true)))
}

func runWriteDelete(cmd *cobra.Command, args []string) error {
	key, err := model.ParseDocumentKey(args[0])
	if err != nil {
		return err
	}
	return runWrite(cmd.Context(), model.NewDeleteMutation(key, model.PreconditionNone()))
}

func runWrite(ctx context.Context, m model.Mutation) error {
	return withClient(ctx, func(c *client.Client) error {
		w, err := c.LocalWrite(ctx, m)
		if err != nil {
			return err
		}
		if !writeWait {
			fmt.Printf("%s Queued %s of %s\n", style.SuccessPrefix, m.Type, style.Bold.Render(m.Key.String()))
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := w.Wait(waitCtx); err != nil {
			if waitCtx.Err() != nil {
				return fmt.Errorf("write to %s not acknowledged within %s; it stays queued", m.Key, writeTimeout)
			}
			return fmt.Errorf("write to %s rejected: %w", m.Key, err)
		}
		fmt.Printf("%s Committed %s of %s\n", style.SuccessPrefix, m.Type, style.Bold.Render(m.Key.String()))
		return nil
	})
}

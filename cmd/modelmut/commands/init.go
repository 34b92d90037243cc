package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/providers/modelfile"
	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		name        string
		writeConfig string
	)

	cmd := &cobra.Command{
		Use:   "init <model-path>",
		Short: "Create an empty model document",
		Long: `Create an empty model document and, if history is enabled, the run
history database next to it.

With --write-config the effective configuration is also written out as a
starting point for editing.`,
		Example: `  # Create a model
  modelmut init ./models/sales.yaml --name Sales

  # Create a model and a config file
  modelmut init ./models/sales.yaml --write-config ./modelmut.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			h, err := engine.ParseHandle(args[0])
			if err != nil {
				return err
			}
			path := h.Path()
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if _, err := modelfile.Create(path, name); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created model %q: %s\n", name, path)

			if a.store != nil {
				details, _ := json.Marshal(map[string]string{"name": name, "path": path})
				detailStr := string(details)
				err := a.store.CreateAuditEntry(ctx, &stores.AuditEntry{
					Action:    "document.initialized",
					Actor:     a.cfg.Run.Actor,
					TargetID:  &path,
					Details:   &detailStr,
					Timestamp: time.Now().UTC(),
				})
				if err != nil {
					a.logger.Warn().Err(err).Msg("Failed to record audit entry")
				}
				fmt.Fprintf(out, "✓ Run history: %s\n", a.cfg.Store.Path)
			}

			if writeConfig != "" {
				if _, err := os.Stat(writeConfig); err == nil {
					return fmt.Errorf("config %s already exists", writeConfig)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				if err := a.cfg.WriteFile(writeConfig); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", writeConfig)
			}

			fmt.Fprintf(out, "\nNext: modelmut run %s <name>\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "model display name (default: file name)")
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "also write the effective configuration to this path")

	return cmd
}

package cmds

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewModelsCommand() *cobra.Command {
	var connectionID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models a connection can serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := selectConnection(connectionID)
			if err != nil {
				return err
			}
			if c == nil {
				return errors.New("no connection configured")
			}

			lister, err := connection.NewModelLister(c)
			if err != nil {
				return errors.Wrapf(err, "connection %s", c.ID)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			models, err := lister.ListModels(ctx)
			if err != nil {
				return err
			}
			for _, m := range models {
				marker := " "
				if m == c.Model {
					marker = "*"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, m)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&connectionID, "connection", "c", "", "Connection id (default: selected-connection)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for the models request")

	return cmd
}

package cli

import (
	"fmt"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/agenthost"
	"github.com/spf13/cobra"
)

// newAgentCmd runs the VM-side agent host. It is started inside the node VM,
// not on the control plane; on SIGTERM it suspends every running session so
// the node can be reclaimed from the warm pool with conversations intact.
func newAgentCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the VM-side agent session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := agenthost.New(agenthost.Options{Addr: addr})
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agent host listening on %s\n", addr)
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3550", "Listen address for the session API")
	return cmd
}

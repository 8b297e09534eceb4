package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub016/internal/config"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/provider/aws"
	"github.com/raphaeltm/simple-agent-manager-sub016/internal/store"
	"github.com/raphaeltm/simple-agent-manager-sub016/pkg/models"
	"github.com/spf13/cobra"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect and provision nodes",
	}
	cmd.AddCommand(newNodeListCmd())
	cmd.AddCommand(newNodeAlarmsCmd())
	cmd.AddCommand(newNodeProvisionCmd())
	return cmd
}

func newNodeListCmd() *cobra.Command {
	var user string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			nodes, err := st.ListNodes(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NODE\tUSER\tSTATUS\tHEALTH\tWARM FOR\tAGE")
			now := time.Now()
			for _, n := range nodes {
				warmFor := "-"
				if n.WarmSince != nil {
					warmFor = now.Sub(*n.WarmSince).Round(time.Second).String()
				}
				health := n.HealthStatus
				if health == "" {
					health = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					n.NodeID, n.UserID, n.Status, health, warmFor,
					now.Sub(n.CreatedAt).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Filter by user ID")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max nodes to list (0 = default)")
	return cmd
}

func newNodeProvisionCmd() *cobra.Command {
	var (
		user         string
		instanceType string
		region       string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a node record and launch its VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var prov provider.Provisioner
			if providerName == "stub" {
				prov = provider.NewStub()
			} else {
				prov, err = aws.NewClient(cmd.Context())
				if err != nil {
					return err
				}
			}

			node, err := st.CreateNode(cmd.Context(), user, models.NodeStatusCreating)
			if err != nil {
				return err
			}
			instanceID, err := prov.Provision(cmd.Context(), provider.ProvisionRequest{
				NodeID:       node.NodeID,
				UserID:       user,
				InstanceType: instanceType,
				Region:       region,
			})
			if err != nil {
				// The row stays visible in node list as errored.
				_ = st.SetNodeStatus(cmd.Context(), node.NodeID, models.NodeStatusError)
				return fmt.Errorf("provision node %s: %w", node.NodeID, err)
			}
			if err := st.SetNodeStatus(cmd.Context(), node.NodeID, models.NodeStatusRunning); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "node %s provisioned (instance %s)\n", node.NodeID, instanceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Owning user ID")
	cmd.Flags().StringVar(&instanceType, "instance-type", "", "Instance type (provider default if empty)")
	cmd.Flags().StringVar(&region, "region", "", "Provider region")
	cmd.Flags().StringVar(&providerName, "provider", "aws", "Node provider: aws or stub")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newNodeAlarmsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarms",
		Short: "List durable self-destruct timers",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			alarms, err := st.ListNodeAlarms(cmd.Context())
			if err != nil {
				return err
			}
			if len(alarms) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No alarms")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NODE\tFIRES AT\tIN")
			now := time.Now()
			for _, a := range alarms {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n",
					a.NodeID, a.FiresAt.Format(time.RFC3339),
					a.FiresAt.Sub(now).Round(time.Second))
			}
			return tw.Flush()
		},
	}
	return cmd
}

package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"autognosis/internal/logging"
	"autognosis/internal/node"
	"autognosis/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// healCmd diagnoses one problem with the node's persisted rule statistics
var healCmd = &cobra.Command{
	Use:   "heal [problem]",
	Short: "Diagnose and repair a problem once",
	Long: `Boots the node, queues the problem, runs a single tick and reports the
chosen action. Rule statistics are saved, so repeated runs keep learning.

Example:
  autognosis heal "timeout talking to 10.0.0.4"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHeal,
}

// peersCmd lists status snapshots published to Redis
var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List node status snapshots from Redis",
	Args:  cobra.NoArgs,
	RunE:  listPeers,
}

func runHeal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Node.Workspace, cfg.Logging.Options()); err != nil {
		return err
	}
	defer logging.CloseAll()

	n, err := node.New(cfg, node.Deps{})
	if err != nil {
		return err
	}
	defer n.Stop()

	problem := strings.Join(args, " ")
	logger.Info("Healing", zap.String("problem", problem))
	n.ReportProblem(problem)
	rep := n.Tick(cmd.Context())

	out := cmd.OutOrStdout()
	for _, d := range rep.Diagnoses {
		status := "advised"
		switch {
		case d.Executed && d.Succeeded:
			status = "healed"
		case d.Executed:
			status = fmt.Sprintf("failed: %v", d.Err)
		}
		fmt.Fprintf(out, "%s -> %s (%s)\n", d.Problem, d.Action, status)
	}
	for _, req := range rep.Escalated {
		fmt.Fprintf(out, "escalated to peers as problem %d\n", req.ProblemID)
	}
	return nil
}

func listPeers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.RedisEnabled() {
		return fmt.Errorf("redis not configured (set redis.addr or AUTOGNOSIS_REDIS_ADDR)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	rs, err := store.DialRedisStatus(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rs.Close()

	statuses, err := rs.List(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No nodes found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tHEALTH\tAUTONOMY\tSWARM\tAGENCY\tPEERS\tCYCLES\tUPDATED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%d\t%.2f\t%.2f\t%.2f\t%s\t%d\t%d\t%s\n",
			s.NodeID, s.Health, s.Autonomy, s.SwarmHealth, s.AgencyLevel, s.Peers, s.Cycles,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/riverforge/queuert"
	"github.com/riverforge/queuert/internal/store"
)

var chainCmd = &cobra.Command{
	Use:     "chain",
	Short:   "Inspect and manage job chains",
	GroupID: "chain",
}

var (
	listTypeFilter   string
	listStatusFilter string
	listCursor       string
	listLimit        int
)

var chainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job chains",
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := openDriver()
		if err != nil {
			return err
		}
		defer driver.Close()

		filter := store.ListFilter{}
		if listTypeFilter != "" {
			filter.TypeName = &listTypeFilter
		}
		if listStatusFilter != "" {
			s := queuert.Status(listStatusFilter)
			filter.Status = &s
		}

		var res store.ListChainsResult
		err = store.WithTx(context.Background(), driver, func(tx store.Tx) error {
			var err error
			res, err = driver.ListChains(context.Background(), tx, store.ListChainsParams{
				Filter: filter,
				Cursor: listCursor,
				Limit:  listLimit,
			})
			return err
		})
		if err != nil {
			return err
		}

		printChainTable(res.Chains)
		if res.NextCursor != "" {
			fmt.Println("next cursor:", res.NextCursor)
		}
		return nil
	},
}

var chainShowCmd = &cobra.Command{
	Use:   "show <chainId>",
	Short: "Show a chain's current state and blockers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := openDriver()
		if err != nil {
			return err
		}
		defer driver.Close()

		var chain *queuert.Chain
		var blockers []*queuert.Chain
		err = store.WithTx(context.Background(), driver, func(tx store.Tx) error {
			var err error
			chain, err = driver.GetJobChainByID(context.Background(), tx, args[0])
			if err != nil {
				return err
			}
			blockers, err = driver.GetJobBlockers(context.Background(), tx, chain.CurrentOrRoot().ID)
			return err
		})
		if err != nil {
			return err
		}

		printChainDetail(chain, blockers)
		return nil
	},
}

var (
	waitPollMs    int64
	waitTimeoutMs int64
)

var chainWaitCmd = &cobra.Command{
	Use:   "wait <chainId>",
	Short: "Block until a chain completes or the timeout elapses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := openDriver()
		if err != nil {
			return err
		}
		defer driver.Close()

		client := queuert.NewClient(driver, nil, nil)
		chain, err := client.WaitForJobChainCompletion(cmd.Context(), args[0], queuert.WaitForJobChainCompletionOptions{
			PollIntervalMs: waitPollMs,
			TimeoutMs:      waitTimeoutMs,
		})
		if err != nil {
			return err
		}
		printChainDetail(chain, nil)
		return nil
	},
}

var chainRmCmd = &cobra.Command{
	Use:   "rm <chainId> [chainId...]",
	Short: "Delete one or more chains",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		driver, err := openDriver()
		if err != nil {
			return err
		}
		defer driver.Close()

		client := queuert.NewClient(driver, nil, nil)
		if err := client.DeleteJobChains(cmd.Context(), args); err != nil {
			return err
		}
		fmt.Printf("deleted %d chain(s)\n", len(args))
		return nil
	},
}

func init() {
	chainListCmd.Flags().StringVar(&listTypeFilter, "type", "", "filter by chain type name")
	chainListCmd.Flags().StringVar(&listStatusFilter, "status", "", "filter by the status of the chain's root job (not its current job)")
	chainListCmd.Flags().StringVar(&listCursor, "cursor", "", "opaque pagination cursor from a prior list")
	chainListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum chains to return")

	chainWaitCmd.Flags().Int64Var(&waitPollMs, "poll-ms", 200, "polling interval in milliseconds")
	chainWaitCmd.Flags().Int64Var(&waitTimeoutMs, "timeout-ms", 30_000, "timeout in milliseconds, 0 for no timeout")

	chainCmd.AddCommand(chainListCmd, chainShowCmd, chainWaitCmd, chainRmCmd)
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	blockedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func styledStatus(s queuert.Status) string {
	switch s {
	case queuert.StatusBlocked:
		return blockedStyle.Render(string(s))
	case queuert.StatusCompleted:
		return completedStyle.Render(string(s))
	default:
		return string(s)
	}
}

func printChainTable(chains []*queuert.Chain) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CHAIN ID", "TYPE", "STATUS", "ATTEMPT", "CREATED")
	for _, c := range chains {
		cur := c.CurrentOrRoot()
		t = t.Row(c.Root.ID, cur.ChainTypeName, styledStatus(cur.Status), strconv.Itoa(cur.Attempt), cur.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Println(t)
}

func printChainDetail(chain *queuert.Chain, blockers []*queuert.Chain) {
	cur := chain.CurrentOrRoot()
	fmt.Println(headerStyle.Render("chain " + chain.Root.ID))
	fmt.Printf("  type:      %s\n", cur.ChainTypeName)
	fmt.Printf("  status:    %s\n", styledStatus(cur.Status))
	fmt.Printf("  attempt:   %d\n", cur.Attempt)
	if cur.LastAttemptError != nil {
		fmt.Printf("  lastError: %s\n", *cur.LastAttemptError)
	}
	fmt.Printf("  input:     %s\n", cur.Input)
	if cur.Output != nil {
		fmt.Printf("  output:    %s\n", cur.Output)
	}
	for _, b := range blockers {
		bc := b.CurrentOrRoot()
		fmt.Printf("  blocker:   %s [%s]\n", b.Root.ID, styledStatus(bc.Status))
	}
}

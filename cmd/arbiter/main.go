package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmwatch/arbiter/pkg/arbiterd"
	"github.com/swarmwatch/arbiter/pkg/config"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/market"
	"github.com/swarmwatch/arbiter/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var (
	configPath string
	debugMode  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "Arbiter - automated ground-truth provider for the bounty market",
	Long: `Arbiter ingests malware bounties from the market, runs the artifacts
through the configured analysis backends, and votes, reveals and settles
the resulting ground truth on chain.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Arbiter version %s\nCommit: %s\n", Version, Commit))

	home, _ := os.UserHomeDir()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		filepath.Join(home, ".arbiter.yaml"), "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false,
		"enable debug logging")

	runCmd.Flags().Bool("manual", false, "flag every new bounty for manual settlement")
	stakeCmd.Flags().String("amount", "", "amount of NCT to stake, in wei")

	rootCmd.AddCommand(confCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(bountiesCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bountyCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(stakeCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(cleanCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := log.Level(cfg.LogLevel)
	if debugMode {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})
	return cfg, nil
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Create a default configuration file, or print the effective one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			dump, err := config.Default().Dump()
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, []byte(dump), 0o600); err != nil {
				return err
			}
			fmt.Println("Configuration file", configPath, "created")
			return nil
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dump, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(dump)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the arbiter daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		manual, _ := cmd.Flags().GetBool("manual")

		daemon, err := arbiterd.New(cfg, arbiterd.Options{ManualMode: manual})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()
		return daemon.Run(ctx)
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle <guid> <verdicts>",
	Short: "Manually settle a bounty",
	Long: `Record operator verdicts for a bounty flagged for manual settlement.
Verdicts are given as one character per artifact: t/T/1 for malicious,
f/F/0 for benign. The running daemon votes and settles on its own
schedule afterwards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		verdicts, err := parseVerdicts(args[1])
		if err != nil {
			return err
		}
		body := map[string]interface{}{"verdicts": verdicts}
		if err := dashboardCall(cfg, http.MethodPost, "/dashboard/bounties/"+args[0], body, nil); err != nil {
			return err
		}
		fmt.Println("Verdicts recorded for", args[0])
		return nil
	},
}

// parseVerdicts maps a [tT1fF0]+ string onto dashboard verdict scores.
func parseVerdicts(s string) ([]int, error) {
	verdicts := make([]int, 0, len(s))
	for _, c := range s {
		switch c {
		case 't', 'T', '1':
			verdicts = append(verdicts, 100)
		case 'f', 'F', '0':
			verdicts = append(verdicts, 0)
		default:
			return nil, fmt.Errorf("invalid verdict character %q", c)
		}
	}
	if len(verdicts) == 0 {
		return nil, fmt.Errorf("empty verdict string")
	}
	return verdicts, nil
}

var bountiesCmd = &cobra.Command{
	Use:   "bounties",
	Short: "List known bounties",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var bounties []struct {
			GUID        string `json:"guid"`
			Status      string `json:"status"`
			SettleBlock uint64 `json:"settle_block"`
			Settled     bool   `json:"settled"`
			TruthValue  []bool `json:"truth_value"`
			TruthManual bool   `json:"truth_manual"`
		}
		if err := dashboardCall(cfg, http.MethodGet, "/dashboard/bounties", nil, &bounties); err != nil {
			return err
		}
		fmt.Printf("%-36s %-8s %-6s %-7s %-6s %s\n",
			"GUID", "STATUS", "BLOCK", "SETTLED", "VALUE", "M")
		for _, b := range bounties {
			value := "-"
			if b.TruthValue != nil {
				var sb strings.Builder
				for _, v := range b.TruthValue {
					if v {
						sb.WriteByte('t')
					} else {
						sb.WriteByte('f')
					}
				}
				value = sb.String()
			}
			manual := ""
			if b.TruthManual {
				manual = "*"
			}
			fmt.Printf("%-36s %-8s %-6d %-7v %-6s %s\n",
				b.GUID, b.Status, b.SettleBlock, b.Settled, value, manual)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unfinished analysis jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var jobs []struct {
			ID         uint64 `json:"id"`
			ArtifactID uint64 `json:"artifact_id"`
			Backend    string `json:"backend"`
			Status     string `json:"status"`
			Expires    string `json:"expires"`
		}
		if err := dashboardCall(cfg, http.MethodGet, "/dashboard/jobs", nil, &jobs); err != nil {
			return err
		}
		for _, j := range jobs {
			fmt.Printf("ID: %5d  Artifact: %5d  Backend: %-12s  Status: %-10s  Expires: %s\n",
				j.ID, j.ArtifactID, j.Backend, j.Status, j.Expires)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current block on both chains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		status, err := client.Status(ctx)
		if err != nil {
			return fmt.Errorf("gateway status: %w", err)
		}
		fmt.Printf("side block %d\n", status.Side.Block)
		fmt.Printf("home block %d\n", status.Home.Block)
		return nil
	},
}

var bountyCmd = &cobra.Command{
	Use:   "bounty <guid>",
	Short: "Show one bounty as the market gateway sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		b, err := client.GetBounty(ctx, args[0])
		if err != nil {
			return fmt.Errorf("bounty %s: %w", args[0], err)
		}
		fmt.Println("GUID:      ", b.GUID)
		fmt.Println("Author:    ", b.Author)
		fmt.Println("Amount:    ", b.Amount)
		fmt.Println("URI:       ", b.URI)
		fmt.Println("Expiration:", b.Expiration)
		fmt.Println("Resolved:  ", b.Resolved)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show account balances on both chains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Println("Account:", cfg.Addr)
		for _, chain := range []string{"side", "home"} {
			for _, kind := range []string{"nct", "eth"} {
				value, err := client.Balance(ctx, kind, chain)
				if err != nil {
					return fmt.Errorf("%s balance on %s: %w", kind, chain, err)
				}
				fmt.Printf("%-4s %-4s %s\n", chain, strings.ToUpper(kind), value)
			}
		}
		return nil
	},
}

var stakeCmd = &cobra.Command{
	Use:   "stake",
	Short: "Show the staking balance, or deposit stake with --amount",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		amount, _ := cmd.Flags().GetString("amount")
		if amount != "" {
			if err := client.StakeDeposit(ctx, amount); err != nil {
				return err
			}
			fmt.Println("Staked", amount)
			return nil
		}
		for _, kind := range []string{"total", "withdrawable"} {
			value, err := client.StakingBalance(ctx, kind)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %s\n", kind, value)
		}
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay <side|home> <amount>",
	Short: "Move funds between chains over the relay",
	Long: `Transfer NCT over the relay. "relay home <amount>" deposits from the
home chain onto the side chain; "relay side <amount>" withdraws from the
side chain back home.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := market.NewClient(cfg.Host, cfg.Addr, cfg.Chain)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		switch args[0] {
		case "home":
			if err := client.RelayDeposit(ctx, args[1]); err != nil {
				return err
			}
			fmt.Println("Deposited", args[1], "onto the side chain")
		case "side":
			if err := client.RelayWithdraw(ctx, args[1]); err != nil {
				return err
			}
			fmt.Println("Withdrew", args[1], "back to the home chain")
		default:
			return fmt.Errorf("source chain must be side or home, got %q", args[0])
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Wipe all local bounty state",
	Long: `Drop every locally known bounty, artifact and job. The daemon must
not be running. Artifact bodies in the cache directory are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Clean(); err != nil {
			return err
		}
		fmt.Println("Local state wiped")
		return nil
	},
}

// dashboardCall talks to the running daemon's operator API.
func dashboardCall(cfg *config.Config, method, path string, body, out interface{}) error {
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, strings.TrimRight(cfg.URL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth("operator", cfg.DashboardPassword)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the arbiter daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

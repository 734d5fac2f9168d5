package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/forPelevin/hlclip/internal/config"
	"github.com/forPelevin/hlclip/internal/keypool"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Show credential health",
		Long: "Without --from, lists the credentials found in the environment for the configured provider. " +
			"With --from, asks a running worker for its live pool state.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetString("from")
			var status []keypool.KeyStatus
			if from != "" {
				var err error
				if status, err = fetchKeys(cmd, from); err != nil {
					return err
				}
			} else {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				keys := cfg.ProviderKeys(os.Getenv)
				if len(keys) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no credentials configured for %s\n", cfg.Ranking.Provider)
					return nil
				}
				status = keypool.New(keys).Status()
			}
			printKeys(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().String("from", "", "Worker status URL, e.g. http://localhost:9090")
	return cmd
}

func fetchKeys(cmd *cobra.Command, base string) ([]keypool.KeyStatus, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(base, "/")+"/keys", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch keys: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out []keypool.KeyStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return out, nil
}

func printKeys(w io.Writer, status []keypool.KeyStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Key", "Health", "Active", "Cooldown", "Errors", "Last error")
	for _, s := range status {
		cooldown := "-"
		if s.InCooldown {
			cooldown = (time.Duration(s.CooldownSeconds * float64(time.Second))).Round(time.Second).String()
		}
		active := ""
		if s.Active {
			active = "*"
		}
		table.Append(
			fmt.Sprintf("%d", s.Index),
			s.HealthName,
			active,
			cooldown,
			fmt.Sprintf("%d", s.ErrorCount),
			truncate(s.LastError, 60),
		)
	}
	table.Render()
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job [id]",
		Short: "Show one job, or list recent jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// reading jobs needs no ranking backend
			cfg.Ranking.Provider = config.ProviderHeuristic
			app, err := buildApp(cmd, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				job, err := app.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printJob(out, job)
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			list, err := app.Store.List(ctx, limit)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(out)
			table.Header("Job", "Status", "Progress", "Clips", "Message", "Updated")
			for _, j := range list {
				msg := j.Message
				if j.Error != "" {
					msg = j.Error
				}
				table.Append(
					j.ID,
					string(j.Status),
					fmt.Sprintf("%d%%", j.Progress),
					fmt.Sprintf("%d", len(j.Clips)),
					truncate(msg, 50),
					j.UpdatedAt.Format(time.RFC3339),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Number of recent jobs to list")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hostbot/internal/app"
	"hostbot/internal/entrypoint"
	"hostbot/internal/scan"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <dir>",
	Short: "Print the entry point a deployment tree would run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ext, err := scriptExt()
		if err != nil {
			return err
		}
		script, workDir, err := entrypoint.New(ext).Resolve(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "script:  %s\nworkdir: %s\n", script, workDir)
		return nil
	},
}

var showToken bool

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Show the bot token and recipients found in a deployment tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ext, err := scriptExt()
		if err != nil {
			return err
		}
		c := scan.New(ext).Scan(args[0])
		out := cmd.OutOrStdout()
		switch {
		case !c.HasToken():
			fmt.Fprintln(out, "token:      none")
		case showToken:
			fmt.Fprintf(out, "token:      %s\n", c.Token)
		default:
			fmt.Fprintf(out, "token:      %s\n", maskToken(c.Token))
		}
		fmt.Fprintf(out, "recipients: %d\n", len(c.Recipients))
		for _, id := range c.Recipients {
			fmt.Fprintln(out, "  "+id)
		}
		return nil
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent broadcasts from storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig(configPath)
		if err != nil {
			return err
		}
		st, err := app.OpenStorage(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		recs, err := st.RecentBroadcasts(ctx, historyLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tSCOPE\tTOKEN FROM\tOK\tFAILED\tTEXT")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				r.At.Local().Format("2006-01-02 15:04:05"), r.Scope, r.TokenApp, r.Success, r.Failed, r.Excerpt)
		}
		return tw.Flush()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := app.LoadConfig(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&showToken, "show-token", false, "print the full token")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of broadcasts")
	rootCmd.AddCommand(resolveCmd, scanCmd, historyCmd, validateCmd)
}

// scriptExt reads the extension from the config when it exists.
func scriptExt() (string, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ".py", nil
		}
		return "", err
	}
	return app.ScriptExt(cfg), nil
}

// maskToken keeps the bot id and hides the secret half.
func maskToken(tok string) string {
	id, secret, ok := strings.Cut(tok, ":")
	if !ok || len(secret) < 4 {
		return "***"
	}
	return id + ":" + secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

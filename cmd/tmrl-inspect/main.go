// tmrl-inspect examines trainer checkpoint files. With a terminal on
// stdin it opens an interactive shell; otherwise it prints a summary and
// runs the query given with --sql.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/config"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/query"
)

var rootCmd = &cobra.Command{
	Use:          "tmrl-inspect <checkpoint>",
	Short:        "Inspect a trainer checkpoint",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("sql", "", "run one read-only query against the rows view and exit")
	flags.Int("episodes", 0, "print the first N episodes and exit")
	flags.Int("max-rows", 1000, "maximum rows returned by a query")
	flags.String("memory-limit", "1GB", "DuckDB memory limit")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("TMRL_INSPECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init(slog.LevelWarn, false)

	cfg := config.DefaultConfig().Query
	cfg.MaxRows = viper.GetInt("max-rows")
	cfg.MemoryLimit = viper.GetString("memory-limit")

	svc, err := query.New(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	if err := svc.Open(ctx, args[0]); err != nil {
		return err
	}

	sh := &shell{svc: svc, out: cmd.OutOrStdout()}

	sql := viper.GetString("sql")
	episodes := viper.GetInt("episodes")
	if sql != "" || episodes > 0 || !term.IsTerminal(int(os.Stdin.Fd())) {
		if err := sh.summary(ctx); err != nil {
			return err
		}
		if episodes > 0 {
			if err := sh.episodes(ctx, episodes); err != nil {
				return err
			}
		}
		if sql != "" {
			return sh.sql(ctx, sql)
		}
		return nil
	}

	return sh.interactive(ctx)
}

// shell renders query results as tables.
type shell struct {
	svc *query.Service
	out io.Writer
}

var commands = []prompt.Suggest{
	{Text: "summary", Description: "row count, index range and rewards"},
	{Text: "state", Description: "run state and memory layout"},
	{Text: "episodes", Description: "episodes [n]: returns and lengths"},
	{Text: "open", Description: "open <path>: switch checkpoint"},
	{Text: "SELECT", Description: "read-only SQL over the rows view"},
	{Text: "DESCRIBE rows", Description: "column names and types"},
	{Text: "exit", Description: "leave the shell"},
}

func (s *shell) interactive(ctx context.Context) error {
	fmt.Fprintf(s.out, "checkpoint %s\n", s.svc.Path())
	fmt.Fprintln(s.out, "type a command or SQL over the rows view; Tab completes, exit quits")

	p := prompt.New(
		func(line string) { s.execute(ctx, line) },
		func(d prompt.Document) []prompt.Suggest {
			if strings.Contains(d.TextBeforeCursor(), " ") {
				return nil
			}
			return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
		},
		prompt.OptionPrefix("tmrl> "),
		prompt.OptionTitle("tmrl-inspect"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
	return nil
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit", `\q`:
		return true
	}
	return false
}

func (s *shell) execute(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" || isExit(line) {
		return
	}

	fields := strings.Fields(line)
	var err error
	switch strings.ToLower(fields[0]) {
	case "summary":
		err = s.summary(ctx)
	case "state":
		err = s.state(ctx)
	case "episodes":
		n := 20
		if len(fields) > 1 {
			n, err = strconv.Atoi(fields[1])
		}
		if err == nil {
			err = s.episodes(ctx, n)
		}
	case "open":
		if len(fields) != 2 {
			err = fmt.Errorf("usage: open <path>")
			break
		}
		if err = s.svc.Open(ctx, fields[1]); err == nil {
			err = s.summary(ctx)
		}
	default:
		err = s.sql(ctx, line)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
}

func (s *shell) summary(ctx context.Context) error {
	sum, err := s.svc.Summary(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path\t%s\n", sum.Path)
	fmt.Fprintf(tw, "run\t%s\n", sum.State.RunID)
	fmt.Fprintf(tw, "epoch\t%d\n", sum.State.Epoch)
	fmt.Fprintf(tw, "samples / updates\t%d / %d\n", sum.State.TotalSamples, sum.State.TotalUpdates)
	fmt.Fprintf(tw, "variant\t%s\n", sum.Layout.Variant)
	fmt.Fprintf(tw, "rows\t%d\n", sum.Rows)
	if sum.Rows > 0 {
		fmt.Fprintf(tw, "index range\t%d..%d\n", sum.FirstIndex, sum.LastIndex)
	}
	fmt.Fprintf(tw, "reward sum / mean\t%.4f / %.4f\n", sum.RewardSum, sum.RewardMean)
	fmt.Fprintf(tw, "dones\t%d\n", sum.Dones)
	return tw.Flush()
}

func (s *shell) state(ctx context.Context) error {
	sum, err := s.svc.Summary(ctx)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"state":         sum.State,
		"layout":        sum.Layout,
		"model_weights": fmt.Sprintf("%d bytes", len(sum.State.ModelWeights)),
	}
	enc := yaml.NewEncoder(s.out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func (s *shell) episodes(ctx context.Context, n int) error {
	eps, err := s.svc.Episodes(ctx, n)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "episode\tfirst\tlast\tsteps\treturn\tfinished\t")
	for _, e := range eps {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%.4f\t%v\t\n", e.Number, e.FirstIndex, e.LastIndex, e.Steps, e.Return, e.Finished)
	}
	return tw.Flush()
}

func (s *shell) sql(ctx context.Context, q string) error {
	rows, err := s.svc.ExecuteSQL(ctx, q)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "(no rows)")
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
	for _, r := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(r[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

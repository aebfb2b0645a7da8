package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/structured/api"
	"github.com/ollama/structured/envconfig"
	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/logutil"
	"github.com/ollama/structured/registry"
	"github.com/ollama/structured/server"
	"github.com/ollama/structured/version"
	"github.com/ollama/structured/vocab"
)

// loadRegistry returns the built-in rule table, or the one named by
// STRUCTURED_TOKENIZER_RULES.
func loadRegistry() (*registry.Registry, error) {
	if envconfig.TokenizerRules == "" {
		return registry.Default(), nil
	}

	f, err := os.Open(envconfig.TokenizerRules)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return registry.Load(f)
}

// remoteClient returns a client when --host is set. Commands run locally
// otherwise.
func remoteClient(cmd *cobra.Command) (*api.Client, error) {
	host, err := cmd.Flags().GetString("host")
	if err != nil || host == "" {
		return nil, err
	}

	client, err := api.NewClient(host, http.DefaultClient)
	if err != nil {
		return nil, err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", host, err)
	}
	return client, nil
}

func readSchema(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: schema is not valid JSON", path)
	}
	return data, nil
}

// tokenizerFlags reads --model and --tokenizer and resolves them locally.
func tokenizerFlags(cmd *cobra.Command, reg *registry.Registry) (string, error) {
	model, _ := cmd.Flags().GetString("model")
	tokenizer, _ := cmd.Flags().GetString("tokenizer")
	if model == "" && tokenizer == "" {
		return "", errors.New("one of --model or --tokenizer is required")
	}
	return reg.ResolveOr(model, tokenizer)
}

// constraintArgs reads the constraint from --regex, or else from the first
// argument as a schema file, and returns the remaining arguments.
func constraintArgs(cmd *cobra.Command, args []string) (schema json.RawMessage, regex string, rest []string, err error) {
	if regex, _ = cmd.Flags().GetString("regex"); regex != "" {
		return nil, regex, args, nil
	}

	if len(args) == 0 {
		return nil, "", nil, errors.New("a schema file or --regex is required")
	}

	schema, err = readSchema(args[0])
	return schema, "", args[1:], err
}

// localConstraint resolves, loads and compiles a schema or a pattern without
// a server.
func localConstraint(cmd *cobra.Command, schema []byte, regex string) (string, *grammar.Automaton, error) {
	reg, err := loadRegistry()
	if err != nil {
		return "", nil, err
	}

	id, err := tokenizerFlags(cmd, reg)
	if err != nil {
		return "", nil, err
	}

	v, err := vocab.DirLoader{Root: envconfig.Models}.Load(cmd.Context(), id)
	if err != nil {
		return "", nil, err
	}

	var a *grammar.Automaton
	if regex != "" {
		a, err = grammar.CompileRegex(cmd.Context(), regex, v)
	} else {
		a, err = grammar.CompileSchema(cmd.Context(), schema, v, grammar.WithWhitespace(envconfig.Whitespace))
	}
	if err != nil {
		return "", nil, err
	}
	return id, a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ResolveHandler(cmd *cobra.Command, args []string) error {
	tokenizer, _ := cmd.Flags().GetString("tokenizer")

	client, err := remoteClient(cmd)
	if err != nil {
		return err
	}

	var reg *registry.Registry
	if client == nil {
		if reg, err = loadRegistry(); err != nil {
			return err
		}
	}

	for _, model := range args {
		var id string
		if client != nil {
			resp, err := client.Resolve(cmd.Context(), &api.ResolveRequest{Model: model, Tokenizer: tokenizer})
			if err != nil {
				return err
			}
			id = resp.Tokenizer
		} else if id, err = reg.ResolveOr(model, tokenizer); err != nil {
			return err
		}

		if len(args) > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", model, id)
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
	}
	return nil
}

func CompileHandler(cmd *cobra.Command, args []string) error {
	schema, regex, rest, err := constraintArgs(cmd, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unexpected arguments %q", rest)
	}

	client, err := remoteClient(cmd)
	if err != nil {
		return err
	}

	if client != nil {
		model, _ := cmd.Flags().GetString("model")
		tokenizer, _ := cmd.Flags().GetString("tokenizer")
		resp, err := client.Constraint(cmd.Context(), &api.ConstraintRequest{Model: model, Tokenizer: tokenizer, Schema: schema, Regex: regex})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	}

	id, a, err := localConstraint(cmd, schema, regex)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), api.ConstraintResponse{Tokenizer: id, Stats: a.Stats()})
}

func CheckHandler(cmd *cobra.Command, args []string) error {
	schema, regex, rest, err := constraintArgs(cmd, args)
	if err != nil {
		return err
	}

	text := strings.Join(rest, " ")
	// read the candidate from stdin when piped
	if len(rest) == 0 && (regex != "" || args[0] != "-") && !term.IsTerminal(int(os.Stdin.Fd())) {
		in, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		text = strings.TrimRight(string(in), "\r\n")
	}

	client, err := remoteClient(cmd)
	if err != nil {
		return err
	}

	var resp *api.CheckResponse
	if client != nil {
		model, _ := cmd.Flags().GetString("model")
		tokenizer, _ := cmd.Flags().GetString("tokenizer")
		if resp, err = client.Check(cmd.Context(), &api.CheckRequest{Model: model, Tokenizer: tokenizer, Schema: schema, Regex: regex, Text: text}); err != nil {
			return err
		}
	} else {
		id, a, err := localConstraint(cmd, schema, regex)
		if err != nil {
			return err
		}

		ids, err := a.Vocabulary().EncodeOutput(text)
		if err != nil {
			return err
		}

		r := server.Replay(a, ids)
		r.Tokenizer = id
		resp = &r
	}

	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}

	if resp.Status != "accepted" {
		return fmt.Errorf("text does not match the constraint: %s", resp.Status)
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func FamiliesHandler(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	var data [][]string
	for _, f := range reg.Families() {
		ids := make([]string, len(f.Tokenizers))
		for i, t := range f.Tokenizers {
			ids[i] = t.ID
		}

		lineage := f.Lineage
		if f.Default {
			lineage += " (default)"
		}
		data = append(data, []string{f.Name, lineage, f.Match, strings.Join(ids, ", ")})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "LINEAGE", "MATCH", "TOKENIZERS")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func VocabHandler(cmd *cobra.Command, args []string) error {
	v, err := vocab.DirLoader{Root: envconfig.Models}.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	usable := 0
	for id := range v.Size() {
		if v.Usable(int32(id)) {
			usable++
		}
	}

	stops := make([]string, 0, len(v.StopTokens()))
	for _, id := range v.StopTokens() {
		stops = append(stops, fmt.Sprintf("%s (%d)", v.Token(id), id))
	}

	table := newTable(cmd.OutOrStdout(), "TOKENIZER", "ENCODING", "SIZE", "USABLE", "STOP TOKENS")
	table.Append([]string{args[0], v.Encoding().String(), fmt.Sprint(v.Size()), fmt.Sprint(usable), strings.Join(stops, ", ")})
	table.Render()
	return nil
}

func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "structured",
		Short:         "Schema constrained decoding for language models",
		Version:       version.Version,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the constraint server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve MODEL [MODEL...]",
		Short: "Print the tokenizer used for a model",
		Args:  cobra.MinimumNArgs(1),
		RunE:  ResolveHandler,
	}
	resolveCmd.Flags().String("tokenizer", "", "Use this tokenizer instead of resolving")

	compileCmd := &cobra.Command{
		Use:   "compile [SCHEMA]",
		Short: "Compile a JSON schema or a regex and print the automaton's statistics",
		Long:  "Compile a JSON schema file (or - for stdin), or the pattern given with --regex, against a tokenizer and print the automaton's statistics.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  CompileHandler,
	}

	checkCmd := &cobra.Command{
		Use:   "check [SCHEMA] [TEXT]",
		Short: "Check whether text could be generated under a schema or a regex",
		Long:  "Tokenize TEXT (or stdin) and replay it token by token through the constraint compiled from SCHEMA, or from the pattern given with --regex.",
		Args:  cobra.ArbitraryArgs,
		RunE:  CheckHandler,
	}

	for _, cmd := range []*cobra.Command{compileCmd, checkCmd} {
		cmd.Flags().String("model", "", "Model whose tokenizer to use")
		cmd.Flags().String("tokenizer", "", "Tokenizer identifier such as Qwen/Qwen2.5-0.5B")
		cmd.Flags().String("regex", "", "Constrain to this RE2 pattern instead of a schema")
	}

	for _, cmd := range []*cobra.Command{resolveCmd, compileCmd, checkCmd} {
		cmd.Flags().String("host", "", "Use the server at this address instead of running locally")
	}

	familiesCmd := &cobra.Command{
		Use:   "families",
		Short: "List tokenizer families",
		Args:  cobra.ExactArgs(0),
		RunE:  FamiliesHandler,
	}

	vocabCmd := &cobra.Command{
		Use:   "vocab TOKENIZER",
		Short: "Show a tokenizer's vocabulary summary",
		Args:  cobra.ExactArgs(1),
		RunE:  VocabHandler,
	}

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["STRUCTURED_HOST"], envVars["STRUCTURED_DEBUG"], envVars["STRUCTURED_MODELS"], envVars["STRUCTURED_TOKENIZER_RULES"]}
	for _, cmd := range []*cobra.Command{serveCmd, compileCmd, checkCmd} {
		extra := envs
		if cmd == serveCmd {
			extra = append(extra, envVars["STRUCTURED_ORIGINS"], envVars["STRUCTURED_CACHE_SIZE"], envVars["STRUCTURED_WHITESPACE"])
		} else {
			extra = append(extra, envVars["STRUCTURED_WHITESPACE"])
		}
		appendEnvDocs(cmd, extra)
	}

	rootCmd.AddCommand(
		serveCmd,
		resolveCmd,
		compileCmd,
		checkCmd,
		familiesCmd,
		vocabCmd,
	)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// Execute runs the CLI and reports errors on stderr.
func Execute(ctx context.Context) int {
	if err := NewCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/optiflow/pkg/capability"
	"github.com/ormasoftchile/optiflow/pkg/runtime"
	"github.com/ormasoftchile/optiflow/pkg/schema"
	"github.com/ormasoftchile/optiflow/pkg/store"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes distinguish how a run ended.
const (
	exitOK          = 0 // completed to END
	exitNodeFailure = 1 // halted on node failure
	exitInputError  = 2 // input/validation error
)

func main() {
	loadDotEnv(".") // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInputError)
	}
}

// loadDotEnv reads a .env file from the given directory and sets any
// variables that aren't already set in the environment. Lines are KEY=VALUE
// (or KEY="VALUE"). Comments (#) and blanks are skipped. Capabilities that
// call out to remote models pick their credentials up from here.
func loadDotEnv(dir string) {
	f, err := os.Open(filepath.Join(dir, ".env"))
	if err != nil {
		return // no .env file — that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// loadDotEnvNearStore looks for a .env next to the store document, walking
// up a few directories the way batch layouts nest their dataset entries.
func loadDotEnvNearStore(storePath string) {
	dir := filepath.Dir(storePath)
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(dir, ".env")); err == nil {
			loadDotEnv(dir)
			return
		}
		dir = filepath.Dir(dir)
	}
}

var rootCmd = &cobra.Command{
	Use:   "optiflow",
	Short: "Stateless workflow engine for optimization pipelines",
	Long:  "optiflow — drives evaluate/transform/validate loops over a persisted JSON store, with idempotent resumption and provenance tracking.",
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.json]",
	Short: "Validate a workflow definition against the schema",
	Args:  cobra.ExactArgs(1),
	Run:   runValidate,
}

func runValidate(cmd *cobra.Command, args []string) {
	_, errs := schema.ValidateFile(args[0])
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errs))
		for i, e := range errs {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		os.Exit(exitInputError)
	}
	fmt.Printf("✓ %s is valid\n", args[0])
}

// --- run ---

var (
	flagTrace         string
	flagValidator     string
	flagValidatorTool string
)

var runCmd = &cobra.Command{
	Use:   "run [workflow.json] [store.json]",
	Short: "Execute a workflow against a store document",
	Long: `Execute a workflow against a store document.

The store is reloaded before every node and flushed atomically after it.
Rerunning the same command resumes a halted run: nodes whose primary output
is already present are skipped.`,
	Args: cobra.ExactArgs(2),
	Run:  runRun,
}

func runRun(cmd *cobra.Command, args []string) {
	workflowPath, storePath := args[0], args[1]
	loadDotEnvNearStore(storePath)

	w, errs := schema.ValidateFile(workflowPath)
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "Workflow validation failed: %d error(s)\n", len(errs))
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  • %v\n", e)
		}
		os.Exit(exitInputError)
	}

	registry := capability.NewRegistry()
	if flagValidator != "" {
		argv := strings.Fields(flagValidator)
		v := capability.NewMCPCapability(argv[0], argv[1:], flagValidatorTool)
		defer v.Close()
		registry.Register("validator", v)
	}

	st := store.NewFile(storePath)
	if _, err := st.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInputError)
	}

	engine := runtime.NewEngine(w, registry, st)
	if flagTrace != "" {
		trace, err := runtime.NewTraceWriter(flagTrace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitInputError)
		}
		defer trace.Close()
		engine.Trace = trace
	}

	if err := engine.Run(context.Background()); err != nil {
		var nerr *runtime.NodeError
		if errors.As(err, &nerr) {
			fmt.Fprintf(os.Stderr, "\n✗ Run halted at node %q [%s]: %v\n", nerr.Node, nerr.Kind, nerr.Err)
			fmt.Fprintf(os.Stderr, "  Store left in last consistent state — rerun the same command to resume.\n")
			os.Exit(exitNodeFailure)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInputError)
	}
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the workflow definition JSON Schema",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitInputError)
		}
		fmt.Println(string(data))
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("optiflow %s (%s)\n", version, commit)
	},
}

func init() {
	runCmd.Flags().StringVar(&flagTrace, "trace", "", "append node results to a JSONL trace file")
	runCmd.Flags().StringVar(&flagValidator, "validator", "", "command spawning the validator MCP server (registered as capability \"validator\")")
	runCmd.Flags().StringVar(&flagValidatorTool, "validator-tool", "validate_manifest", "tool name to call on the validator MCP server")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

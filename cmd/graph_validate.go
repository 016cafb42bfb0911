package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Work with workflow graph documents",
}

var graphValidateCmd = &cobra.Command{
	Use:   "validate <file|template>",
	Short: "Parse and validate a workflow graph",
	Long: `Validate a graph document without executing it. The argument is a
file path or a built-in template name (` + templateList() + `).

Errors make the graph unrunnable; warnings flag suspicious wiring such
as coercing port types or unreachable nodes.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraphValidate,
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphValidateCmd)
}

func templateList() string {
	names := graph.TemplateNames()
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func runGraphValidate(_ *cobra.Command, args []string) error {
	log.InitWriter(io.Discard)

	loader := graph.NewLoader(graph.NewRegistry(), cfg.MaxSubgraphDepth)
	g, issues, err := loader.Load(args[0])

	for _, issue := range issues {
		fmt.Fprintln(os.Stderr, issue.String())
	}
	if err != nil {
		return fmt.Errorf("graph %s is invalid: %w", args[0], err)
	}

	fmt.Printf("%s: ok (%d nodes, %d connections", g.Name, len(g.Nodes), len(g.Connections))
	if warnings := len(issues) - len(issues.Errors()); warnings > 0 {
		fmt.Printf(", %d warning(s)", warnings)
	}
	fmt.Println(")")
	return nil
}

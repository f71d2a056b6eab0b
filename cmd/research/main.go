// Command research submits and follows research tasks on a running researchd.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/deepresearch/internal/api"
)

func main() {
	os.Exit(run(os.Args[1:], &http.Client{Timeout: 30 * time.Second}, "", os.Stdout, os.Stderr))
}

// run executes the CLI. An empty baseURL means the --addr flag decides.
func run(args []string, client *http.Client, baseURL string, stdout, stderr io.Writer) int {
	root := newRootCmd(client, baseURL)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func defaultAddr() string {
	if v := os.Getenv("RESEARCH_ADDR"); v != "" {
		return v
	}
	return fmt.Sprintf("%s:%d", api.DefaultHost, api.DefaultPort)
}

func newRootCmd(client *http.Client, baseURL string) *cobra.Command {
	var addr string
	c := &apiClient{http: client}

	root := &cobra.Command{
		Use:   "research",
		Short: "Submit and follow iterative research tasks",
		Long: `research talks to a running researchd. Tasks move through planning,
gathering sources, drafting and critique/revision rounds until the draft is
approved or the revision limit is hit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.base = baseURL
			if c.base == "" {
				c.base = "http://" + addr
			}
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr(), "researchd host:port")

	root.AddCommand(
		submitCmd(c),
		statusCmd(c),
		showCmd(c),
		listCmd(c),
		logsCmd(c),
		watchCmd(c),
		cancelCmd(c),
		gradeCmd(c),
		versionCmd(),
	)
	return root
}

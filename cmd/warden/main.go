// Warden — sandboxed execution environment manager for autonomous CTF agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden — sandboxed execution environments for autonomous CTF agents.",
	Long: `Warden runs arbitrary, sometimes adversarial, shell commands inside
disposable Docker containers under hard wall-clock deadlines. It firewalls
challenge topologies against external egress, allocates collision-free ports
and networks so many challenge instances share one host, and detects and
recovers containers that stop answering the Docker control plane.`,
	RunE:          runSession, // Default to run mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, cleanupCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "consult-call",
	Short: "Terminal client for consult video call rooms",
	Long: `consult-call joins a consult room through a consult-relay server,
negotiates a WebRTC call with the other participant, and gives you a
line-based chat prompt for the session.`,
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

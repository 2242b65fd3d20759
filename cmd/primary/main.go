package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "uptane-primary",
	Short: "Uptane Primary agent for embedded OTA updates",
	Long:  "Runs the device-side Uptane Primary: provisioning, metadata verification, image download, installation, and manifest reporting.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ce *cycleError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.tag)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

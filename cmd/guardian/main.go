// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command guardian supervises a local LLM inference server.
//
// It samples host metrics, degrades the server's workload under
// sustained pressure, and terminates it as a last resort, with a
// rate-limited kill budget and an audit log of every action taken.
//
// # Usage
//
//	# Build
//	go build -o guardian ./cmd/guardian
//
//	# Run with the built-in defaults
//	./guardian serve
//
//	# Run against a config file
//	./guardian serve --config /etc/guardian/config.yaml
//
// # Environment Variables
//
//   - GUARDIAN_PORT: control surface port (default: 12280)
//   - GUARDIAN_CONTROL_PLANE_URL: inference server admin API
//   - GUARDIAN_EVENT_LOG: NDJSON audit log path
//   - GUARDIAN_STORE_PATH: durable state directory
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logDir     string

	rootCmd = &cobra.Command{
		Use:   "guardian",
		Short: "A supervisor for local LLM inference processes",
		Long: `Guardian watches host RAM, CPU, disk, and temperature, and keeps a
local inference server inside its resource envelope: reversible
brownouts first, a rate-limited kill as the last resort.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the control loop and the HTTP control surface",
		RunE:  runServe, // Defined in serve.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the guardian version",
		Run:   runVersion, // Defined in version.go
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for daily JSON log files")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

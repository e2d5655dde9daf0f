// Package main is the entry point for mcp-oauth-proxy.
package main

import (
	"os"

	"github.com/giantswarm/mcp-oauth-proxy/cmd/mcp-oauth-proxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package cli

import "fmt"

// Version is stamped at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Printf("nsproxy %s\n", Version)
}

func printUsage() {
	fmt.Print(`nsproxy - per-identity VPN namespace proxy

Usage:
  nsproxy serve [socks|http|daemon|all] [flags]   Run front ends and/or the idle daemon
  nsproxy status [flags]                          Show namespaces, rotation, and history
  nsproxy stop-all [flags]                        Destroy every provisioned namespace
  nsproxy rotate-random [flags]                   Pick a new random identity now
  nsproxy version                                 Print version

Serve flags (also via NSPROXY_* environment or --config YAML):
  --socks-listen addr        SOCKS5 listen address (default 127.0.0.1:1080)
  --http-listen addr         HTTP CONNECT listen address (default 127.0.0.1:8118)
  --admin-listen addr        Admin endpoint address (empty disables)
  --state-dir dir            State directory (default /run/nsproxy)
  --identity-dir dir         Identity profile directory
  --helper path              Privileged namespace helper
  --session-db path          Session log SQLite path (empty disables)
  --idle-timeout d           Destroy namespaces unused for this long
  --rotation-interval d      Random identity lifetime
  --sweep-interval d         Idle daemon tick interval
  --notify                   Send desktop notifications
  --log-level level          debug|info|warn|error
`)
}

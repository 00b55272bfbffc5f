// Package main (cmd/camsim) implements a simulated camera device for
// development and testing.
//
// The simulator serves the same administrative HTTP interface as a real
// device: digest and basic authentication, the package upload endpoint
// with manifest validation and architecture checks, and the system log
// endpoint. Uploaded shell bundles start a real TLS listener on the
// advertised port, so the camkit client can run a complete bootstrap and
// bridge against it.
//
// Two shell modes exist behind bridged connections: a built-in echo
// shell that needs no host support, and a pty mode that attaches a real
// /bin/sh on a pseudo-terminal.
//
// Example usage:
//
//	camsim --listen-addr 127.0.0.1:8080 --user root --password secret
//	camsim --shell-mode pty --arch aarch64 --log-debug
package main

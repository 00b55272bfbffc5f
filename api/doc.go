// Package api defines the wire contract between the camkit client and a
// device's management endpoint. Both sides of the repository import it: the
// device package speaks it as a client, and the devicesim package serves it.
//
// The contract has four parts:
//
//   - Endpoint paths and multipart form fields for package upload and for
//     the system log.
//
//   - The installer response grammar: one "OK" or "Error: <code>" line.
//     The session bootstrap depends on the code semantics: codes below 10
//     mean the package never ran, while CodeValidationFailed (10) means the
//     package was extracted and executed before validation rejected it.
//
//   - The package manifest keys embedded in package.conf, including
//     ManifestKeyShellPort, the structural channel through which the bundle
//     builder and the rendezvous connector agree on the listener port.
//
//   - The system log line format (classic syslog, no year) with its
//     severity tokens.
//
// Nothing in this package performs I/O; it only names and parses the
// formats.
package api

// Package bundle builds the installable packages that bootstrap and tear
// down a shell session on a device.
//
// A start bundle carries the manifest, the payload scripts and the session's
// TLS material; once the device installer sources the manifest, the payload
// detaches, binds a mutually authenticated TLS listener on the agreed port
// and wires an interactive shell to it. An end bundle carries only a
// manifest whose hook script kills the listener and removes every trace of
// the session from the device.
//
// Both bundles are built to fail the installer's final validation on
// purpose, so no installation record survives. Builds are deterministic:
// identical inputs produce byte-identical archives.
package bundle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/camkit/camkit/cryptoutils"
)

// Arch is a device CPU family the installer accepts in a package manifest.
type Arch string

const (
	ArchARMv7HF Arch = "armv7hf"
	ArchAArch64 Arch = "aarch64"
	ArchMIPS    Arch = "mips"
)

// SupportedArches lists the CPU families the payload scripts are known to
// work on.
var SupportedArches = []Arch{ArchARMv7HF, ArchAArch64, ArchMIPS}

// Valid reports whether a is a supported architecture.
func (a Arch) Valid() bool {
	for _, s := range SupportedArches {
		if a == s {
			return true
		}
	}
	return false
}

// ErrUnsupportedArch is returned by BuildStart and BuildEnd for an
// architecture outside SupportedArches, before anything touches the
// network.
var ErrUnsupportedArch = errors.New("unsupported device architecture")

// BuildError reports an invalid build input.
type BuildError struct {
	Reason string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("building bundle: %s: %v", e.Reason, e.Err)
	}
	return "building bundle: " + e.Reason
}

func (e *BuildError) Unwrap() error { return e.Err }

// StartSpec describes the shell-start bundle for one session.
type StartSpec struct {
	SessionID uuid.UUID

	// Port is the rendezvous port the payload will listen on. It is
	// embedded in the manifest; the connector must use the same value.
	Port int

	// Arch is the target device's CPU family.
	Arch Arch

	// DeviceKey and DeviceCert are the session identity the payload's
	// listener presents.
	DeviceKey  cryptoutils.PrivateKey
	DeviceCert cryptoutils.TLSCert

	// ClientCA is the session authority the listener verifies client
	// certificates against.
	ClientCA cryptoutils.CACert
}

// EndSpec describes the cleanup bundle for one session.
type EndSpec struct {
	SessionID uuid.UUID
	Arch      Arch
}

// Bundle is a built package ready for upload.
type Bundle struct {
	filename string
	data     []byte
}

// Bytes returns the gzipped tar archive.
func (b *Bundle) Bytes() []byte { return b.data }

// Filename is the upload filename for the archive.
func (b *Bundle) Filename() string { return b.filename }

// Size returns the archive length in bytes.
func (b *Bundle) Size() int { return len(b.data) }

// BuildStart assembles the shell-start bundle. All inputs are validated
// here; the build itself performs no I/O.
func BuildStart(spec StartSpec) (*Bundle, error) {
	if !spec.Arch.Valid() {
		return nil, &BuildError{Reason: fmt.Sprintf("architecture %q", spec.Arch), Err: ErrUnsupportedArch}
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return nil, &BuildError{Reason: fmt.Sprintf("port %d out of range", spec.Port)}
	}
	if err := spec.DeviceKey.Validate(); err != nil {
		return nil, &BuildError{Reason: "device key", Err: err}
	}
	if err := spec.DeviceCert.Validate(); err != nil {
		return nil, &BuildError{Reason: "device certificate", Err: err}
	}
	if err := spec.ClientCA.Validate(); err != nil {
		return nil, &BuildError{Reason: "client authority", Err: err}
	}

	// The listener reads its key and certificate from one file, key
	// first.
	serverPEM := make([]byte, 0, len(spec.DeviceKey)+len(spec.DeviceCert))
	serverPEM = append(serverPEM, spec.DeviceKey...)
	serverPEM = append(serverPEM, spec.DeviceCert...)

	data, err := buildArchive([]archiveFile{
		{name: "package.conf", mode: 0o644, data: startManifest(spec.SessionID, spec.Port, spec.Arch)},
		{name: RunScriptName(spec.SessionID), mode: 0o755, data: runScript(spec.SessionID, spec.Port)},
		{name: "stunnel.conf", mode: 0o644, data: stunnelConfig(spec.SessionID, spec.Port)},
		{name: "server.pem", mode: 0o600, data: serverPEM},
		{name: "client_ca.pem", mode: 0o644, data: spec.ClientCA},
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{
		filename: fmt.Sprintf("camkit-shell-%s.eap", spec.SessionID),
		data:     data,
	}, nil
}

// BuildEnd assembles the cleanup bundle ending the session on the device.
func BuildEnd(spec EndSpec) (*Bundle, error) {
	if !spec.Arch.Valid() {
		return nil, &BuildError{Reason: fmt.Sprintf("architecture %q", spec.Arch), Err: ErrUnsupportedArch}
	}

	data, err := buildArchive([]archiveFile{
		{name: "package.conf", mode: 0o644, data: endManifest(spec.SessionID, spec.Arch)},
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{
		filename: fmt.Sprintf("camkit-end-%s.eap", spec.SessionID),
		data:     data,
	}, nil
}

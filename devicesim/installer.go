package devicesim

import (
	"archive/tar"
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/bundle"
	"github.com/camkit/camkit/cryptoutils"
)

// maxPackageSize is the upload size cap. Shell packages are a few
// kilobytes; anything near the cap is not one of ours.
const maxPackageSize = 8 << 20

const manifestName = "package.conf"

// rejectError is a pre-validation installer rejection carrying the wire
// code for the upload response.
type rejectError struct {
	code   int
	reason string
}

func (e *rejectError) Error() string {
	return fmt.Sprintf("code %d: %s", e.code, e.reason)
}

// uploadedPackage is one extracted archive: the manifest head of
// package.conf, the script body below it, and the rest of the files.
type uploadedPackage struct {
	manifest map[string]string
	script   string
	files    map[string][]byte
}

// installer implements the device's package manager semantics against
// the payload host.
type installer struct {
	arch bundle.Arch
	host *payloadHost
	ring *syslogRing
}

var manifestLine = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)="(.*)"$`)

// install processes one uploaded archive and returns the wire status
// for the response body.
func (ins *installer) install(data []byte) api.UploadStatus {
	pkg, err := parsePackage(data)
	if err != nil {
		var reject *rejectError
		if errors.As(err, &reject) {
			ins.ring.append(api.SeverityError, "installer", "package rejected: %s", reject.reason)
			return api.UploadStatus{Code: reject.code}
		}
		ins.ring.append(api.SeverityError, "installer", "package rejected: %v", err)
		return api.UploadStatus{Code: api.CodeInvalidArchive}
	}

	appName := pkg.manifest[api.ManifestKeyAppName]
	appID := pkg.manifest[api.ManifestKeyAppID]
	ins.ring.append(api.SeverityInfo, "installer", "unpacked package %s (%s)", appName, appID)

	if arch := bundle.Arch(pkg.manifest[api.ManifestKeyArch]); arch != ins.arch {
		ins.ring.append(api.SeverityError, "installer",
			"package architecture %s does not match device architecture %s", arch, ins.arch)
		return api.UploadStatus{Code: api.CodeUnsupportedArch}
	}

	if strings.TrimSpace(pkg.script) == "" {
		// Nothing to execute after the manifest: a plain installable
		// package. Keep an installation record and report success.
		ins.ring.append(api.SeverityInfo, "installer", "package %s installed", appName)
		return api.UploadStatus{OK: true}
	}

	ins.runConfiguration(pkg, appID)

	// The configuration script backgrounds its payload and then exits
	// nonzero, so final validation always fails and no installation
	// record is kept.
	ins.ring.append(api.SeverityWarning, "installer", "package %s failed final validation, discarding", appName)
	return api.UploadStatus{Code: api.CodeValidationFailed}
}

// runConfiguration mimics executing the package.conf script: a shell
// package with a rendezvous port brings its listener up, one without
// tears its listener down.
func (ins *installer) runConfiguration(pkg *uploadedPackage, appID string) {
	portValue, hasPort := pkg.manifest[api.ManifestKeyShellPort]
	if !hasPort {
		if !ins.host.Stop(appID) {
			ins.ring.append(api.SeverityNotice, loggerSource(appID), "no listener to terminate")
		}
		return
	}

	port, err := strconv.Atoi(portValue)
	if err != nil || port < 1 || port > 65535 {
		ins.ring.append(api.SeverityError, loggerSource(appID), "invalid %s value %q", api.ManifestKeyShellPort, portValue)
		return
	}

	server, clientCA, err := payloadIdentity(pkg)
	if err != nil {
		ins.ring.append(api.SeverityError, loggerSource(appID), "payload key material unusable: %v", err)
		return
	}

	if err := ins.host.Start(appID, port, server, clientCA); err != nil {
		ins.ring.append(api.SeverityError, loggerSource(appID), "%v", err)
	}
}

// payloadIdentity pulls the listener's identity out of the package:
// server.pem carries the private key and certificate concatenated,
// client_ca.pem the authority accepted for client certificates.
func payloadIdentity(pkg *uploadedPackage) (cryptoutils.Identity, cryptoutils.CACert, error) {
	serverPEM, ok := pkg.files["server.pem"]
	if !ok {
		return cryptoutils.Identity{}, nil, fmt.Errorf("server.pem missing from package")
	}
	caPEM, ok := pkg.files["client_ca.pem"]
	if !ok {
		return cryptoutils.Identity{}, nil, fmt.Errorf("client_ca.pem missing from package")
	}

	identity, err := splitServerPEM(serverPEM)
	if err != nil {
		return cryptoutils.Identity{}, nil, err
	}
	ca, err := cryptoutils.NewCACert(caPEM)
	if err != nil {
		return cryptoutils.Identity{}, nil, fmt.Errorf("client_ca.pem: %w", err)
	}
	return identity, ca, nil
}

func splitServerPEM(data []byte) (cryptoutils.Identity, error) {
	var id cryptoutils.Identity
	rest := data
	for {
		block, tail := pem.Decode(rest)
		if block == nil {
			break
		}
		rest = tail
		switch block.Type {
		case "PRIVATE KEY", "EC PRIVATE KEY", "RSA PRIVATE KEY":
			key, err := cryptoutils.NewPrivateKey(pem.EncodeToMemory(block))
			if err != nil {
				return cryptoutils.Identity{}, fmt.Errorf("server.pem key: %w", err)
			}
			id.Key = key
		case "CERTIFICATE":
			cert, err := cryptoutils.NewTLSCert(pem.EncodeToMemory(block))
			if err != nil {
				return cryptoutils.Identity{}, fmt.Errorf("server.pem certificate: %w", err)
			}
			id.Cert = cert
		}
	}
	if id.Key == nil || id.Cert == nil {
		return cryptoutils.Identity{}, fmt.Errorf("server.pem must carry a private key and a certificate")
	}
	return id, nil
}

// parsePackage extracts and validates an uploaded archive up to the
// point where its configuration would run.
func parsePackage(data []byte) (*uploadedPackage, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &rejectError{code: api.CodeInvalidArchive, reason: "not a gzip archive"}
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &rejectError{code: api.CodeInvalidArchive, reason: fmt.Sprintf("tar damaged: %v", err)}
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxPackageSize))
		if err != nil {
			return nil, &rejectError{code: api.CodeInvalidArchive, reason: fmt.Sprintf("tar entry %s unreadable: %v", hdr.Name, err)}
		}
		files[hdr.Name] = content
	}

	conf, ok := files[manifestName]
	if !ok {
		return nil, &rejectError{code: api.CodeMalformedManifest, reason: manifestName + " missing"}
	}

	manifest, script := splitManifest(string(conf))
	for _, key := range []string{api.ManifestKeyPackageName, api.ManifestKeyAppName, api.ManifestKeyAppID, api.ManifestKeyArch} {
		if manifest[key] == "" {
			return nil, &rejectError{code: api.CodeMalformedManifest, reason: "manifest key " + key + " missing"}
		}
	}

	return &uploadedPackage{manifest: manifest, script: script, files: files}, nil
}

// splitManifest separates package.conf into its KEY="VALUE" head and
// the script body that follows.
func splitManifest(conf string) (map[string]string, string) {
	manifest := make(map[string]string)
	lines := strings.Split(conf, "\n")
	for i, line := range lines {
		m := manifestLine.FindStringSubmatch(line)
		if m == nil {
			return manifest, strings.Join(lines[i:], "\n")
		}
		manifest[m[1]] = m[2]
	}
	return manifest, ""
}

package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Management endpoint paths. The client uploads packages to UploadPath and
// reads the device log from SystemLogPath; the simulator serves both.
const (
	// UploadPath accepts multipart package uploads and installs them.
	UploadPath = "/axis-cgi/applications/upload.cgi"

	// SystemLogPath returns the device system log as text/plain, newest
	// entry first.
	SystemLogPath = "/axis-cgi/admin/systemlog.cgi"
)

// Multipart form fields for package upload requests.
const (
	// PackageField is the file field carrying the package archive.
	PackageField = "packfil"

	// ActionField selects the post-upload action. The only defined value
	// is ActionInstall, which is also the default when the field is absent.
	ActionField = "action"

	// ActionInstall requests extraction and installation of the uploaded
	// package.
	ActionInstall = "install"
)

// Installer response codes. The upload endpoint answers with a single line:
// either "OK" or "Error: <code>". Codes below 10 are pre-extraction
// rejections; CodeValidationFailed means the package was extracted and its
// configuration executed, but final validation failed and no installation
// record was kept.
const (
	CodeInvalidArchive    = 1
	CodeMalformedManifest = 2
	CodeUnsupportedArch   = 3
	CodePackageTooLarge   = 4
	CodeValidationFailed  = 10
)

// Manifest keys in a package's package.conf. The file is a sequence of
// KEY="VALUE" lines followed by the installer hook script; the lines double
// as shell variable assignments so the whole file stays executable.
const (
	ManifestKeyPackageName  = "PACKAGENAME"
	ManifestKeyAppName      = "APPNAME"
	ManifestKeyAppID        = "APPID"
	ManifestKeyMajorVersion = "APPMAJORVERSION"
	ManifestKeyMinorVersion = "APPMINORVERSION"
	ManifestKeyArch         = "APPTYPE"
	ManifestKeyVendor       = "VENDOR"

	// ManifestKeyShellPort carries the rendezvous port the package's
	// payload will listen on. Its presence distinguishes a shell-start
	// package from a cleanup package.
	ManifestKeyShellPort = "SHELLPORT"
)

// Rendezvous port range. When the operator does not pin a port, one is
// drawn uniformly from [ShellPortMin, ShellPortMax], the usual ephemeral
// range, and embedded in the package manifest under ManifestKeyShellPort.
// Both ends of a session read the same manifest value; the port is never
// re-derived.
const (
	ShellPortMin = 32768
	ShellPortMax = 60999
)

// DigestRealm is the realm the simulator presents in its digest
// challenges, shaped like the serial-scoped realms real devices use.
const DigestRealm = "AXIS_ACCC8ECAM123"

// UploadStatus is the decoded installer response for a package upload.
type UploadStatus struct {
	// OK reports a clean installation with a persistent record.
	OK bool

	// Code is the installer error code when OK is false.
	Code int
}

// String renders the status in the wire form.
func (s UploadStatus) String() string {
	if s.OK {
		return "OK"
	}
	return fmt.Sprintf("Error: %d", s.Code)
}

// ParseUploadResponse decodes an installer response body. It accepts the
// exact grammar the upload endpoint produces: a single "OK" or
// "Error: <code>" line, optionally followed by trailing whitespace.
func ParseUploadResponse(body []byte) (UploadStatus, error) {
	line := strings.TrimSpace(string(body))
	if line == "OK" {
		return UploadStatus{OK: true}, nil
	}
	rest, found := strings.CutPrefix(line, "Error:")
	if !found {
		return UploadStatus{}, fmt.Errorf("unrecognized installer response %q", line)
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return UploadStatus{}, fmt.Errorf("unrecognized installer error code in %q", line)
	}
	return UploadStatus{Code: code}, nil
}

package bundle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/camkit/camkit/api"
)

// Workdir is the on-device directory the payload stages its material in.
func Workdir(id uuid.UUID) string {
	return "/tmp/camkit-shell." + id.String()
}

// RunScriptName is the payload script's filename inside the start bundle.
func RunScriptName(id uuid.UUID) string {
	return "run." + id.String() + ".sh"
}

// LoggerTag is the syslog tag every on-device message of the session
// carries.
func LoggerTag(id uuid.UUID) string {
	return "camkit shell " + id.String()
}

type manifestField struct {
	key   string
	value string
}

// manifestHead renders the KEY="VALUE" lines opening package.conf. The
// installer sources the whole file, so the rendering must stay valid
// shell.
func manifestHead(fields []manifestField) string {
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s=%q\n", f.key, f.value)
	}
	return b.String()
}

func commonFields(id uuid.UUID, arch Arch) []manifestField {
	return []manifestField{
		{api.ManifestKeyPackageName, "CamKit Shell"},
		{api.ManifestKeyAppName, "camkitshell"},
		{api.ManifestKeyAppID, id.String()},
		{api.ManifestKeyMajorVersion, "1"},
		{api.ManifestKeyMinorVersion, "0"},
		{api.ManifestKeyArch, string(arch)},
		{api.ManifestKeyVendor, "camkit"},
	}
}

// startManifest renders package.conf for a start bundle: the manifest head
// including the rendezvous port, then the hook script the installer
// sources. The script locates the unpacked payload, detaches it, gives it
// three seconds to come up, then ends false so final validation fails and
// the installer keeps no record.
func startManifest(id uuid.UUID, port int, arch Arch) []byte {
	fields := append(commonFields(id, arch),
		manifestField{api.ManifestKeyShellPort, strconv.Itoa(port)})

	script := fmt.Sprintf(`
echo 'starting' | logger -t '%[1]s'
run=$(find /tmp/ -name %[2]s | head -n1)
if [ -z "$run" ]
then
    echo 'fatal: unable to identify unpack directory' | logger -t '%[1]s'
else
    (
        exec $run </dev/null 2>&1
    ) &
    echo "$run is running as PID $!" | logger -t '%[1]s'
fi
sleep 3

false
`, LoggerTag(id), RunScriptName(id))

	return []byte(manifestHead(fields) + script)
}

// endManifest renders package.conf for a cleanup bundle. It carries no
// SHELLPORT key, which is what marks it as a cleanup package. The hook
// script kills the recorded listener PIDs and removes the workdir.
func endManifest(id uuid.UUID, arch Arch) []byte {
	script := fmt.Sprintf(`
(
    workdir=%s
    [ -f $workdir/listener.pid ] && kill $(cat $workdir/listener.pid)
    [ -f $workdir/stunnel.pid ] && kill $(cat $workdir/stunnel.pid)
    [ -d $workdir ] && rm -r $workdir
    echo "terminated"
) | logger -t '%s' &

false
`, Workdir(id), LoggerTag(id))

	return []byte(manifestHead(commonFields(id, arch)) + script)
}

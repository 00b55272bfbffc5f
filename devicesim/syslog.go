package devicesim

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/camkit/camkit/api"
)

// ringCapacity bounds the in-memory system log, oldest entries dropped
// first.
const ringCapacity = 512

// syslogRing is the simulated device's system log. Every subsystem
// appends here, and the log endpoint serves the rendered lines, so a
// bootstrap run is observable the same way it is on a real device.
type syslogRing struct {
	hostname string

	mu    sync.Mutex
	lines []string
}

func newSyslogRing(hostname string) *syslogRing {
	return &syslogRing{hostname: hostname}
}

// append records one entry. The rendered form matches the device log
// grammar: "Mon DD HH:MM:SS HOST severity: source[pid]: message".
func (r *syslogRing) append(severity api.Severity, source, format string, args ...any) {
	line := fmt.Sprintf("%s %s %s: %s[%d]: %s",
		time.Now().Format(api.SyslogTimeLayout),
		r.hostname,
		severity.String(),
		source,
		os.Getpid(),
		fmt.Sprintf(format, args...))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > ringCapacity {
		r.lines = r.lines[len(r.lines)-ringCapacity:]
	}
}

// render writes the log newest entry first, one line per entry.
func (r *syslogRing) render(w io.Writer) error {
	r.mu.Lock()
	snapshot := make([]string, len(r.lines))
	copy(snapshot, r.lines)
	r.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		if _, err := fmt.Fprintln(w, snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

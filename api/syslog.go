package api

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity is a syslog severity as it appears in system log lines.
type Severity int

// Severities, ordered most to least severe. SeverityRepeated marks the
// "last message repeated N times" continuation lines some syslog daemons
// emit; SeverityUnknown is used for lines whose severity token could not
// be recognized.
const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
	SeverityRepeated
	SeverityUnknown
)

var severityNames = map[Severity]string{
	SeverityEmergency: "EMERG",
	SeverityAlert:     "ALERT",
	SeverityCritical:  "CRIT",
	SeverityError:     "ERR",
	SeverityWarning:   "WARNING",
	SeverityNotice:    "NOTICE",
	SeverityInfo:      "INFO",
	SeverityDebug:     "DEBUG",
	SeverityRepeated:  "REPEATED",
	SeverityUnknown:   "UNKNOWN",
}

// String returns the severity token used on the wire.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseSeverity recognizes a severity token, tolerating the common
// aliases devices emit (ERROR for ERR, WARN for WARNING).
func ParseSeverity(token string) Severity {
	switch strings.ToUpper(token) {
	case "EMERG", "EMERGENCY":
		return SeverityEmergency
	case "ALERT":
		return SeverityAlert
	case "CRIT", "CRITICAL":
		return SeverityCritical
	case "ERR", "ERROR":
		return SeverityError
	case "WARNING", "WARN":
		return SeverityWarning
	case "NOTICE":
		return SeverityNotice
	case "INFO":
		return SeverityInfo
	case "DEBUG":
		return SeverityDebug
	default:
		return SeverityUnknown
	}
}

// SyslogTimeLayout is the classic syslog timestamp layout (no year, day
// padded with a space).
const SyslogTimeLayout = "Jan _2 15:04:05"

// SyslogEntry is one device system log line. The system log endpoint
// serves lines of the form
//
//	Jan  2 15:04:05 host SEVERITY: source: message
//
// where the source column is optional. Timestamp stays a string: the wire
// format has no year, so round-tripping through time.Time would invent
// one.
type SyslogEntry struct {
	Timestamp string   `json:"timestamp"`
	Host      string   `json:"hostname,omitempty"`
	Severity  Severity `json:"-"`
	Source    string   `json:"source,omitempty"`
	Message   string   `json:"message"`
}

// FormatSyslogLine renders an entry in the wire format.
func FormatSyslogLine(e SyslogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp)
	b.WriteByte(' ')
	b.WriteString(e.Host)
	b.WriteByte(' ')
	if e.Severity != SeverityRepeated {
		b.WriteString(e.Severity.String())
		b.WriteString(": ")
	}
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// NewSyslogEntry stamps an entry with the given time in the wire layout.
func NewSyslogEntry(ts time.Time, host string, sev Severity, source, message string) SyslogEntry {
	return SyslogEntry{
		Timestamp: ts.Format(SyslogTimeLayout),
		Host:      host,
		Severity:  sev,
		Source:    source,
		Message:   message,
	}
}

// ParseSyslogLine decodes one system log line. Lines that do not match
// the format at all come back as a bare message with SeverityUnknown so
// callers never lose log content; the second return reports whether the
// structured fields were recognized.
func ParseSyslogLine(line string) (SyslogEntry, bool) {
	if len(line) < len(SyslogTimeLayout)+1 {
		return SyslogEntry{Message: line, Severity: SeverityUnknown}, false
	}

	ts := line[:len(SyslogTimeLayout)]
	if _, err := time.Parse(SyslogTimeLayout, ts); err != nil {
		return SyslogEntry{Message: line, Severity: SeverityUnknown}, false
	}
	rest := strings.TrimPrefix(line[len(SyslogTimeLayout):], " ")

	host, rest, found := strings.Cut(rest, " ")
	if !found {
		return SyslogEntry{Message: line, Severity: SeverityUnknown}, false
	}

	entry := SyslogEntry{Timestamp: ts, Host: host}

	// Continuation lines carry no severity or source column.
	if strings.HasPrefix(rest, "last message repeated ") {
		entry.Severity = SeverityRepeated
		entry.Message = rest
		return entry, true
	}

	sevToken, rest, found := strings.Cut(rest, ": ")
	if !found {
		entry.Severity = SeverityUnknown
		entry.Message = sevToken
		return entry, false
	}
	entry.Severity = ParseSeverity(sevToken)
	if entry.Severity == SeverityUnknown {
		entry.Message = sevToken + ": " + rest
		return entry, false
	}

	// The source column ends in ": " too; anything after the last such
	// separator that still looks like a tag is the source.
	if source, msg, ok := strings.Cut(rest, ": "); ok && !strings.Contains(source, " ") {
		entry.Source = source
		entry.Message = msg
	} else if source, msg, ok := cutTaggedSource(rest); ok {
		entry.Source = source
		entry.Message = msg
	} else {
		entry.Message = rest
	}
	return entry, true
}

// cutTaggedSource splits "name with spaces[pid]: message" sources, the
// form the shell payload's logger tag produces.
func cutTaggedSource(s string) (source, message string, ok bool) {
	end := strings.Index(s, "]: ")
	if end < 0 || !strings.Contains(s[:end], "[") {
		return "", "", false
	}
	return s[:end+1], s[end+len("]: "):], true
}

// MarshalJSON includes the severity as its wire token.
func (e SyslogEntry) MarshalJSON() ([]byte, error) {
	type alias SyslogEntry
	return json.Marshal(struct {
		alias
		Severity string `json:"severity"`
	}{alias(e), e.Severity.String()})
}

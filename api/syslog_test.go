package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyslogLine(t *testing.T) {
	entry, ok := ParseSyslogLine("Jan  2 15:04:05 camdev INFO: sshd: accepted connection")
	require.True(t, ok)
	assert.Equal(t, "Jan  2 15:04:05", entry.Timestamp)
	assert.Equal(t, "camdev", entry.Host)
	assert.Equal(t, SeverityInfo, entry.Severity)
	assert.Equal(t, "sshd", entry.Source)
	assert.Equal(t, "accepted connection", entry.Message)
}

func TestParseSyslogLineTaggedSource(t *testing.T) {
	// The shell payload logs under a tag with spaces and a pid suffix.
	line := "Mar 14 09:26:53 camdev NOTICE: camkit shell 4cafe[812]: starting"
	entry, ok := ParseSyslogLine(line)
	require.True(t, ok)
	assert.Equal(t, SeverityNotice, entry.Severity)
	assert.Equal(t, "camkit shell 4cafe[812]", entry.Source)
	assert.Equal(t, "starting", entry.Message)
}

func TestParseSyslogLineRepeated(t *testing.T) {
	entry, ok := ParseSyslogLine("Jan  2 15:04:06 camdev last message repeated 3 times")
	require.True(t, ok)
	assert.Equal(t, SeverityRepeated, entry.Severity)
	assert.Equal(t, "last message repeated 3 times", entry.Message)
	assert.Empty(t, entry.Source)
}

func TestParseSyslogLineUnstructured(t *testing.T) {
	entry, ok := ParseSyslogLine("not a syslog line at all")
	assert.False(t, ok)
	assert.Equal(t, "not a syslog line at all", entry.Message)
	assert.Equal(t, SeverityUnknown, entry.Severity)
}

func TestSyslogLineRoundTrip(t *testing.T) {
	ts := time.Date(2021, time.March, 4, 12, 30, 45, 0, time.UTC)
	original := NewSyslogEntry(ts, "camsim", SeverityWarning, "installer", "package rejected")
	line := FormatSyslogLine(original)

	parsed, ok := ParseSyslogLine(line)
	require.True(t, ok, line)
	assert.Equal(t, original, parsed)
}

func TestParseSeverityAliases(t *testing.T) {
	assert.Equal(t, SeverityError, ParseSeverity("ERROR"))
	assert.Equal(t, SeverityError, ParseSeverity("err"))
	assert.Equal(t, SeverityWarning, ParseSeverity("WARN"))
	assert.Equal(t, SeverityUnknown, ParseSeverity("LOUD"))
}

func TestSyslogEntryJSON(t *testing.T) {
	entry := SyslogEntry{
		Timestamp: "Jan  2 15:04:05",
		Host:      "camdev",
		Severity:  SeverityError,
		Source:    "watchdog",
		Message:   "restarting",
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ERR", decoded["severity"])
	assert.Equal(t, "restarting", decoded["message"])
	assert.Equal(t, "watchdog", decoded["source"])
}

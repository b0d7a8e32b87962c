// Package logparse normalises SSH auth logs into keyspider.AuthEvents.
// It understands the Debian and RHEL syslog shapes, the AIX syslog
// shape, and journalctl --output=json records.
package logparse

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keyspider/go-api/keyspider"
)

// ErrParse reports unrecoverable parser input. Individual malformed
// lines never produce it; they are skipped and counted.
var ErrParse = errors.New("log parse error")

// Line prefixes per dialect: extract (timestamp, host, pid, message).
var (
	// Feb  5 13:04:01 webprod sshd[1234]: message
	syslogPrefixRe = regexp.MustCompile(
		`^(\w+\s+\d+\s+[\d:]+)\s+(\S+)\s+sshd\[(\d+)\]:\s+(.*)$`)

	// Feb  5 13:04:01 aixprod auth|security:info sshd[1234]: message
	aixPrefixRe = regexp.MustCompile(
		`^(\w+\s+\d+\s+[\d:]+)\s+(\S+)\s+(?:auth|security)[|:]\S*\s+sshd\[(\d+)\]:\s+(.*)$`)

	// Feb  5 13:04:01 webprod sudo[998]: alice : TTY=pts/0 ; PWD=/home ; USER=root ; COMMAND=/bin/ls
	sudoRe = regexp.MustCompile(
		`^(\w+\s+\d+\s+[\d:]+)\s+(\S+)\s+sudo(?:\[\d+\])?:\s+(\S+)\s+:\s+TTY=(\S+)\s+;\s+PWD=(\S+)\s+;\s+USER=(\S+)\s+;\s+COMMAND=(.+)$`)
)

// Message bodies, shared by all dialects and journald.
var (
	acceptedRe = regexp.MustCompile(
		`^Accepted\s+(publickey|password|keyboard-interactive)\s+for\s+(\S+)\s+from\s+([\d.]+|[0-9a-fA-F:]+)\s+port\s+(\d+)(?:\s+ssh2(?::\s+\S+\s+(\S+))?)?`)

	failedRe = regexp.MustCompile(
		`^Failed\s+(publickey|password|keyboard-interactive)\s+for\s+(?:invalid user\s+)?(\S+)\s+from\s+([\d.]+|[0-9a-fA-F:]+)\s+port\s+(\d+)(?:\s+ssh2(?::\s+\S+\s+(\S+))?)?`)

	invalidUserRe = regexp.MustCompile(
		`^Invalid user\s+(\S+)\s+from\s+([\d.]+|[0-9a-fA-F:]+)\s+port\s+(\d+)`)

	disconnectRe = regexp.MustCompile(
		`^Disconnected from\s+(?:authenticating\s+|invalid\s+)?(?:user\s+(\S+)\s+)?([\d.]+|[0-9a-fA-F:]+)\s+port\s+(\d+)`)

	recvDisconnectRe = regexp.MustCompile(
		`^Received disconnect from\s+([\d.]+|[0-9a-fA-F:]+)\s+port\s+(\d+)`)
)

// Options controls a parse pass over one file.
type Options struct {
	// OSType selects the line prefix dialect: "aix" or anything else
	// for the Linux shapes.
	OSType string
	// ReferenceTime seeds the year for syslog timestamps, normally the
	// file's mtime from SFTP stat. Zero means the current year.
	ReferenceTime time.Time
	// Watermark discards events at or before it. Zero means no
	// watermark.
	Watermark time.Time
	// LogSource is stamped onto every event (auth.log, secure, ...).
	LogSource string
}

// Result summarises a parse pass.
type Result struct {
	Events         []keyspider.AuthEvent
	MalformedLines int
}

// ParseLog parses an entire log file. Events come out in file order
// with non-decreasing timestamps modulo the year-rollover correction.
func ParseLog(content string, opts Options) Result {
	var res Result
	var lastTS time.Time

	for _, line := range strings.Split(content, "\n") {
		ev, ok, malformed := parseLine(line, opts, lastTS)
		if malformed {
			res.MalformedLines++
		}
		if !ok {
			continue
		}
		lastTS = ev.Timestamp
		if !opts.Watermark.IsZero() && !ev.Timestamp.After(opts.Watermark) {
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}

// ParseLine parses a single syslog line. The second return is false for
// lines that are not SSH auth events.
func ParseLine(line string, opts Options, lastTS time.Time) (keyspider.AuthEvent, bool) {
	ev, ok, _ := parseLine(line, opts, lastTS)
	return ev, ok
}

func parseLine(line string, opts Options, lastTS time.Time) (keyspider.AuthEvent, bool, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "sshd[") {
		return keyspider.AuthEvent{}, false, false
	}

	prefix := syslogPrefixRe
	if opts.OSType == keyspider.OSAIX {
		prefix = aixPrefixRe
	}

	m := prefix.FindStringSubmatch(line)
	if m == nil {
		// Line mentions sshd but does not match the dialect shape.
		return keyspider.AuthEvent{}, false, true
	}

	ts := parseSyslogTimestamp(m[1], opts.ReferenceTime, lastTS)
	pid, _ := strconv.Atoi(m[3])

	ev, ok := parseMessage(m[4])
	if !ok {
		return keyspider.AuthEvent{}, false, false
	}

	ev.Timestamp = ts
	ev.PID = pid
	ev.RawLine = line
	ev.LogSource = opts.LogSource
	return ev, true, false
}

// parseMessage matches the sshd message body shared by every dialect.
func parseMessage(msg string) (keyspider.AuthEvent, bool) {
	if m := acceptedRe.FindStringSubmatch(msg); m != nil {
		port, _ := strconv.Atoi(m[4])
		return keyspider.AuthEvent{
			AuthMethod:  m[1],
			Username:    m[2],
			SourceIP:    m[3],
			Port:        port,
			Fingerprint: m[5],
			EventType:   keyspider.EventAccepted,
		}, true
	}
	if m := failedRe.FindStringSubmatch(msg); m != nil {
		port, _ := strconv.Atoi(m[4])
		return keyspider.AuthEvent{
			AuthMethod:  m[1],
			Username:    m[2],
			SourceIP:    m[3],
			Port:        port,
			Fingerprint: m[5],
			EventType:   keyspider.EventFailed,
		}, true
	}
	if m := invalidUserRe.FindStringSubmatch(msg); m != nil {
		port, _ := strconv.Atoi(m[3])
		return keyspider.AuthEvent{
			Username:  m[1],
			SourceIP:  m[2],
			Port:      port,
			EventType: keyspider.EventFailed,
		}, true
	}
	if m := disconnectRe.FindStringSubmatch(msg); m != nil {
		port, _ := strconv.Atoi(m[3])
		return keyspider.AuthEvent{
			Username:  m[1],
			SourceIP:  m[2],
			Port:      port,
			EventType: keyspider.EventDisconnect,
		}, true
	}
	if m := recvDisconnectRe.FindStringSubmatch(msg); m != nil {
		port, _ := strconv.Atoi(m[2])
		return keyspider.AuthEvent{
			SourceIP:  m[1],
			Port:      port,
			EventType: keyspider.EventDisconnect,
		}, true
	}
	return keyspider.AuthEvent{}, false
}

// referenceSlack tolerates clock skew between log entries and the
// file's mtime before the seeded year is rejected.
const referenceSlack = 48 * time.Hour

// parseSyslogTimestamp parses "Feb  5 13:04:01". Syslog omits the year,
// so it is seeded from the reference time (the file's mtime) and
// corrected two ways: an event cannot postdate the file's mtime by more
// than referenceSlack, and an event jumping more than 300 days backwards from its
// predecessor means the file spans a new-year boundary.
func parseSyslogTimestamp(ts string, reference, lastTS time.Time) time.Time {
	year := time.Now().UTC().Year()
	if !reference.IsZero() {
		year = reference.UTC().Year()
	}

	ts = strings.Join(strings.Fields(ts), " ")

	dt, err := time.Parse("2006 Jan 2 15:04:05", strconv.Itoa(year)+" "+ts)
	if err != nil {
		return time.Now().UTC()
	}
	dt = dt.UTC()

	if !reference.IsZero() && dt.After(reference.UTC().Add(referenceSlack)) {
		dt = dt.AddDate(-1, 0, 0)
	}
	if !lastTS.IsZero() && lastTS.Sub(dt) > 300*24*time.Hour {
		dt = dt.AddDate(-1, 0, 0)
	}
	return dt
}

// journalRecord is one journalctl --output=json line.
type journalRecord struct {
	Message          string `json:"MESSAGE"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	RealtimeUsec     string `json:"__REALTIME_TIMESTAMP"`
	PID              string `json:"_PID"`
}

// ParseJournalLine parses a single journalctl JSON line. Timestamps
// come from __REALTIME_TIMESTAMP (microseconds since epoch), so the
// year-rollover correction never applies.
func ParseJournalLine(line string) (keyspider.AuthEvent, bool) {
	var rec journalRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return keyspider.AuthEvent{}, false
	}
	if rec.Message == "" || !strings.Contains(rec.SyslogIdentifier, "sshd") {
		return keyspider.AuthEvent{}, false
	}

	ev, ok := parseMessage(rec.Message)
	if !ok {
		return keyspider.AuthEvent{}, false
	}

	ts := time.Now().UTC()
	if usec, err := strconv.ParseInt(rec.RealtimeUsec, 10, 64); err == nil {
		ts = time.UnixMicro(usec).UTC()
	}
	ev.Timestamp = ts
	if pid, err := strconv.Atoi(rec.PID); err == nil {
		ev.PID = pid
	}
	ev.RawLine = line
	ev.LogSource = "journald"
	return ev, true
}

// ParseJournal parses multi-line journalctl JSON output, applying the
// same watermark policy as ParseLog.
func ParseJournal(content string, watermark time.Time) Result {
	var res Result
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ev, ok := ParseJournalLine(line)
		if !ok {
			if strings.Contains(line, "sshd") {
				res.MalformedLines++
			}
			continue
		}
		if !watermark.IsZero() && !ev.Timestamp.After(watermark) {
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}

// ParseSudoLine parses a sudo invocation line from syslog.
func ParseSudoLine(line string, reference, lastTS time.Time) (keyspider.SudoEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.Contains(line, "sudo") {
		return keyspider.SudoEvent{}, false
	}

	m := sudoRe.FindStringSubmatch(line)
	if m == nil {
		return keyspider.SudoEvent{}, false
	}

	return keyspider.SudoEvent{
		Timestamp:  parseSyslogTimestamp(m[1], reference, lastTS),
		Username:   m[3],
		TTY:        m[4],
		WorkingDir: m[5],
		TargetUser: m[6],
		Command:    strings.TrimSpace(m[7]),
		Success:    true,
		RawLine:    line,
	}, true
}

// LogPaths returns the auth log candidates for an OS type, in probe
// order.
func LogPaths(osType string) []string {
	if osType == keyspider.OSAIX {
		return []string{"/var/adm/syslog", "/var/log/syslog"}
	}
	return []string{"/var/log/auth.log", "/var/log/secure"}
}

// SourceForPath names the log source stamped on events read from path.
func SourceForPath(path string) string {
	switch {
	case strings.HasSuffix(path, "auth.log"):
		return "auth.log"
	case strings.HasSuffix(path, "secure"):
		return "secure"
	case strings.Contains(path, "/var/adm/"):
		return "aix-syslog"
	}
	return "syslog"
}

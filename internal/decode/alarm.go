package decode

import "github.com/basekick-labs/pvexport/internal/archive"

var statusStrings = [...]string{
	"NO_ALARM",
	"READ",
	"WRITE",
	"HIHI",
	"HIGH",
	"LOLO",
	"LOW",
	"STATE",
	"COS",
	"COMM",
	"TIMEOUT",
	"HWLIMIT",
	"CALC",
	"SCAN",
	"LINK",
	"SOFT",
	"BAD_SUB",
	"UDF",
	"DISABLE",
	"SIMM",
	"READ_ACCESS",
	"WRITE_ACCESS",
}

var severityStrings = [...]string{
	"NO_ALARM",
	"MINOR",
	"MAJOR",
	"INVALID",
}

var archiverSeverityStrings = map[int16]string{
	archive.SeverityRepeat:    "Repeat",
	archive.SeverityDisabled:  "Archive_Disabled",
	archive.SeverityDisconn:   "Disconnected",
	archive.SeverityStopped:   "Archive_Off",
	archive.SeverityEstRepeat: "Est_Repeat",
}

// StatusText returns the alarm status name for code, or nil when the code is
// outside the table.
func StatusText(code int16) *string {
	if code < 0 || int(code) >= len(statusStrings) {
		return nil
	}
	s := statusStrings[code]
	return &s
}

// SeverityText returns the alarm severity name for code, or nil when the code is
// neither an alarm severity nor one of the archive engine's own severities.
func SeverityText(code int16) *string {
	if code >= 0 && int(code) < len(severityStrings) {
		s := severityStrings[code]
		return &s
	}
	if s, ok := archiverSeverityStrings[code]; ok {
		return &s
	}
	return nil
}

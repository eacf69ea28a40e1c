package abuse

import "fmt"

// JailConfig renders the ban tool jails for the ledger at logPath. General
// violations ban after maxViolations hits within an hour; one torrent hit bans
// for two hours.
func JailConfig(logPath string, maxViolations int) string {
	return fmt.Sprintf(`[marzban-violations]
enabled = true
port = all
filter = marzban-violations
logpath = %[1]s
maxretry = %[2]d
findtime = 3600
bantime = 3600
action = marzban-ban[name=%%(__name__)s, port="%%(port)s", protocol="%%(protocol)s"]

[marzban-torrent]
enabled = true
port = all
filter = marzban-torrent
logpath = %[1]s
maxretry = 1
findtime = 3600
bantime = 7200
action = marzban-ban[name=%%(__name__)s, port="%%(port)s", protocol="%%(protocol)s"]
`, logPath, maxViolations)
}

// FilterConfig renders the ban tool filters matching the ledger line format.
func FilterConfig() string {
	return `[Definition]
failregex = ^\[.*\] VIOLATION: TYPE=\S+ IP=<HOST> USER=\S+ ACTION=.*$

[marzban-torrent]
failregex = ^\[.*\] VIOLATION: TYPE=TORRENT IP=<HOST> USER=\S+ ACTION=detected.*$

[marzban-violations]
failregex = ^\[.*\] VIOLATION: TYPE=(?:SUSPICIOUS_\S+|CONNECTION_LIMIT) IP=<HOST> USER=\S+ ACTION=.*$
`
}

package store

import "strings"

// isLockedErr reports whether err looks like SQLITE_BUSY/SQLITE_LOCKED.
// modernc.org/sqlite reports these as "database is locked" / "database
// table is locked" in the wrapped error string; matching on text avoids a
// hard dependency on its internal error-code type.
func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "database table is locked") ||
		strings.Contains(s, "sqlite_busy") ||
		strings.Contains(s, "sqlite_locked")
}

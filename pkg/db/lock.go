package db

import "gorm.io/gorm"

// LockSuffix returns the row-lock clause for dialects that support it.
// SQLite serializes writers at the connection level, so tests run the same
// statements without the clause.
func LockSuffix(tx *gorm.DB) string {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return " FOR UPDATE"
	default:
		return ""
	}
}

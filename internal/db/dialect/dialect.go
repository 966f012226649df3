// Package dialect holds the SQL fragments that differ between the two
// supported drivers.
package dialect

import "fmt"

// Driver names as registered with sqlx.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver is the pgx driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive LIKE operator for the driver. SQLite's
// plain LIKE is already case-insensitive for ASCII.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// Now returns the current-timestamp expression for the driver.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusDays returns the "current time minus N days" expression, with
// daysExpr as the placeholder carrying the day count.
func NowMinusDays(driver, daysExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' days')::interval", daysExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' days')", daysExpr)
}

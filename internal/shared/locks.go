package shared

import "fmt"

// JobLockKey builds redis keys for scheduler job leases.
func JobLockKey(job string) string {
	return fmt.Sprintf("tutorly:jobs:%s:lease", job)
}

// Package permissions resolves request users to their uid and group ids
// and evaluates POSIX mode-bit access checks on their behalf.
package permissions

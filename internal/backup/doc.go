// Package backup keeps a bounded number of timestamped copies of a file.
//
// Backups of <dir>/<file> are stored as
//
//	<dir>/backup/backups_<file>/<timestamp>_<file>
//
// where <timestamp> is the zero-padded Unix time in milliseconds. Names sort
// in creation order, so pruning removes the lexically smallest entries first.
package backup

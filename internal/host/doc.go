// Package host defines the collaborator contracts mercury drives: a Host that
// enumerates and creates browser instances, and the per-instance Context that
// receives broadcasts, installs watches and answers harvest snapshots.
package host

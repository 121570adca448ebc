// Package queue persists jobs and their segments in SQLite and provides the
// primitives the workflow manager builds on: claiming work with heartbeats,
// compare-and-swap stage transitions, and the bookkeeping queries used by the
// cleanup sweep. The database is the single source of truth for job progress;
// blobs referenced from it live in object storage and are immutable.
package queue

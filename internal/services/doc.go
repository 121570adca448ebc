// Package services holds the error taxonomy and context annotations shared by
// every external provider client and stage handler. Stage code wraps provider
// failures with one of the sentinel markers so the workflow manager can decide
// whether a failure is retryable, fatal to a segment, or fatal to the job.
package services

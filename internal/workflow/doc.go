// Package workflow advances jobs through the processing pipeline.
//
// The Manager runs a pool of identical workers. Each worker polls the queue
// for the oldest claimable job, claims it with a compare-and-swap that bumps
// the job's claim epoch, executes the registered stage handler while a
// heartbeat goroutine keeps the claim alive, and commits the result with an
// epoch-guarded Advance or MarkFailed. A worker whose claim was reclaimed
// after a heartbeat lapse loses those guards, so its results are discarded
// rather than written over the new owner's work.
//
// Completed jobs trigger per-job blob cleanup. Stage handlers are registered
// per work stage; pending jobs are claimed directly into preprocessing.
package workflow

// Package engine provides the task execution engine: it schedules playbook
// runs against fleets of hosts under global and per-host concurrency
// ceilings, supervises one runner process per (job, host) task, applies
// retry with exponential backoff to transient failures, and broadcasts
// state transitions and live output to subscribers.
package engine

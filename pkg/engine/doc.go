// Package engine executes privacy requests.
//
// The Executor runs one action on one collection through its connector.
// Strategies turn a traversal into work, either walking it generation by
// generation in process (single pass) or creating persisted RequestTasks for
// the scheduler's workers (distributed). The Orchestrator drives a request
// through its ordered pipeline steps and persists a checkpoint after each,
// so a halted or crashed request resumes where it left off.
package engine

// Package session drives events from a messenger through the flow engine.
//
// For every event the orchestrator loads the sender's stored context, applies
// the in-progress policy, runs the selected flow and then saves, deletes or
// abandons the context depending on the outcome. Events for different senders
// run concurrently.
package session

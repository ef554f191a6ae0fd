// Package flow is the conversation state machine.
//
// An Engine runs one flow per inbound event. Select picks the flow from the
// event type and the stored context:
//
//   - start_conversation for a sender without context
//   - reply when a question is pending (Context.Confirming is set)
//   - btw for free input while no question is pending
//   - push for events raised through the push API
//   - follow, unfollow, join, leave and beacon run the skill configured
//     for the event
//
// Every flow follows the same steps: resolve the intent, instantiate and
// revive the skill, run its begin hook, apply parameters, then finish.
// Finish asks the next pending parameter, or runs the skill's finish hook
// and resumes a parent conversation, clears the context or keeps it.
//
// When an answer is rejected by its parser the engine identifies what the
// user meant instead: modify the previous parameter, dig into a
// sub-skill, restart, change intent, change another parameter, or nothing
// it understands, in which case the parameter's reaction receives the
// rejection.
//
// Within a run the engine itself is the skill.Bot handed to hooks,
// parsers and reactions. Messages are translated to the sender's language
// when enabled, compiled by the messenger concurrently, delivered and
// recorded in the context history and chat log.
package flow

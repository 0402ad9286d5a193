// ABOUTME: Package documentation for the chat service layer
// ABOUTME: Explains the send path and the record-first principle

// Package chat is the central layer for message delivery.
//
// All messages flow through Service.Send - persisted history is the source
// of truth, not a side effect. The send path is:
//
//  1. Classify the routing target into a conversation (creating the
//     conversation on first contact).
//  2. Attach the message to that conversation, re-validating that the
//     conversation is still live.
//  3. Append the message inside the store's ordering transaction.
//  4. Fan out background work: translation jobs for every configured
//     language, an activity-log job, and for room conversations a
//     room notification job.
//
// Steps 1-3 are synchronous and their errors surface to the caller.
// Step 4 is fire-and-forget: a message whose background fan-out fails is
// still delivered, and the failure is logged rather than returned.
//
// # Architecture
//
// Service depends on narrow interfaces rather than concrete types so tests
// can substitute fakes:
//
//   - Classifier: routing targets to conversations (internal/router)
//   - MessageStore: append and history queries (internal/store)
//   - Enqueuer: translation fan-out (internal/translate)
//   - Scheduler: auxiliary background jobs (internal/taskd)
package chat

// Package router classifies message targets into conversations and guards
// the routing invariant: every message belongs to exactly one conversation
// target, and that target matches the conversation's declared kind.
//
// Classify resolves a TargetSpec to its conversation, creating one on first
// contact. The create-if-absent step is safe under concurrent first senders:
// the store's UNIQUE (kind, target) index decides the race and the loser
// resolves to the winner's record.
//
// Attach validates a message against its conversation immediately before
// persistence, defending against callers that bypass Classify and against
// conversations archived between classification and attach.
package router

// Package foundry is the client for the managed agent backend.
//
// The backend exposes an assistants-style REST surface: agents are
// resolved by name, conversations live in backend-owned threads, and a
// run streams the agent's reply as Server-Sent Events. This package
// hides the wire protocol behind five operations:
//
//	ResolveAgent(ctx, name)          -> *Agent
//	CreateThread(ctx)                -> *Thread
//	DeleteThread(ctx, threadID)      -> error (idempotent)
//	CreateMessage(ctx, threadID, s)  -> *Message
//	StreamRun(ctx, threadID, agent)  -> <-chan *Event
//
// StreamRun preserves backend emission order and always terminates the
// channel: EventDone, EventFailed, cancellation, or EOF all close it.
// All model state lives on the backend; parley only stores thread IDs.
package foundry

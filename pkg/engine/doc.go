// Package engine holds the vocabulary shared by every part of botgate: the
// classified error type, the stack and target status enums, and the bounded
// polling loop used wherever a remote operation has to be waited on.
//
// # Errors
//
// Every failure that crosses a package boundary is an *EngineError carrying a
// class (transient, throttled, conflict, permanent) and, where callers branch
// on it, a code such as ErrCodeDiskShrink or ErrCodeOperatorIntervention:
//
//	if engine.HasCode(err, engine.ErrCodeNoChanges) {
//		// the update was a no-op
//	}
//
// # Stack status
//
// StackStatus mirrors the lifecycle of a remotely tracked stack. The helpers
// IsInProgress, IsActive, IsDeleted and NeedsRecreate drive the reconciler's
// transition table.
//
// # Polling
//
// Remote long-running operations are polled, never pushed. Poll runs a check
// on an interval with a bounded timeout and surfaces the timeout as an
// ordinary transient error.
package engine

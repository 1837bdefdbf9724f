// Package guard runs the publish-once transition: a double-checked lock
// across every node that shares a backing store.
//
// # Protocol
//
//  1. Pre-check the in-hand (or cheaply read) copy. Published -> AlreadyPublished.
//  2. Begin a transaction on the node's store handle.
//  3. Lock the article row without waiting. Contention -> PublishingInProgress.
//  4. Re-check the locked row. Published -> AlreadyPublished.
//  5. Mark published, run the side-effect hook once, commit.
//
// Every path that does not reach commit rolls the transaction back, so a
// failed attempt leaves the store unchanged and any node may retry it.
//
// # Outcomes
//
// Publish returns nil on success and a *TransitionError otherwise. Callers
// branch on the code with the Is* helpers:
//
//	err := g.Publish(ctx, st, id)
//	switch {
//	case err == nil:
//	    // side effects ran exactly once, here
//	case guard.IsAlreadyPublished(err):
//	    // benign no-op
//	case guard.Retryable(err):
//	    // another node is publishing, or the hook failed and was rolled back
//	default:
//	    // store is broken
//	}
//
// Lock outcomes are interpreted by Classify, which keeps store contention
// and store failure apart.
package guard

// Package errs defines the error taxonomy shared by all dDir packages.
//
// Every error that crosses a package boundary is an *Error carrying a RetCode
// and a message. Sentinel values exist for each code so call sites can branch
// with errors.Is without comparing messages:
//
//	if errors.Is(err, errs.ErrQueueEmpty) {
//		// nothing enqueued yet, try again later
//	}
//
// QueueEmpty, EndOfList and Timeout are expected signals (see RetCode.Recoverable)
// and are not logged as failures by their callers.
package errs

package dispatcher

import "errors"

// ErrStopped names the stopped state of a Dispatcher. No public
// operation returns it: after Stop, GetItem reports (nil, false) just
// as it does for an exhausted task, and Annotate, Skip and Invalidate
// still record and persist a label for an item the caller holds.
var ErrStopped = errors.New("dispatcher: stopped")

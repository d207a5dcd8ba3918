package handlepool

import "errors"

// errStaleHandle marks a pooled handle that failed validation after being
// taken out of the queue. It is logged and the next candidate is tried; it
// never reaches callers of Remove.
var errStaleHandle = errors.New("handlepool: stale handle")

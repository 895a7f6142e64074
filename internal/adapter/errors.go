package adapter

import "errors"

// ErrPrivilegeDenied is returned by Reset when the host refused the
// administrative command (HCIDEVDOWN/HCIDEVUP, systemctl restart) for
// lack of privilege. The Watchdog degrades this to a logged warning
// rather than treating it as a failed recovery step (spec §9).
var ErrPrivilegeDenied = errors.New("adapter: privilege denied for reset operation")

// ErrConnectTimeout is returned by Connect when the connect-side
// adapter did not establish a link within the requested timeout.
var ErrConnectTimeout = errors.New("adapter: connect timeout")

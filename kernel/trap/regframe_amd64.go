//go:build amd64

package trap

import trapamd64 "github.com/talon-os/talon/kernel/trap/amd64"

// RegFrame is the architecture-neutral name the rest of this package
// operates on; the real, size-asserted definition lives in kernel/trap/amd64
// so each architecture's assembly stub has one authoritative layout to
// target.
type RegFrame = trapamd64.RegFrame

//go:build 386

package trap

import trapx86 "github.com/talon-os/talon/kernel/trap/x86"

// RegFrame is the architecture-neutral name the rest of this package
// operates on; the real, size-asserted definition lives in kernel/trap/x86
// so each architecture's assembly stub has one authoritative layout to
// target.
type RegFrame = trapx86.RegFrame

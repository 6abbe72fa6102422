//go:build arm64

package trap

import traparm64 "github.com/talon-os/talon/kernel/trap/arm64"

// RegFrame is the architecture-neutral name the rest of this package
// operates on; the real, size-asserted definition lives in kernel/trap/arm64
// so each architecture's assembly stub has one authoritative layout to
// target.
type RegFrame = traparm64.RegFrame

package builder

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// Subsystem defines the sub system name of this package.
const Subsystem = "BLDR"

// logger is initialized with no output filters. This means the package
// will not perform any logging by default until the caller requests it.
var logger btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(l btclog.Logger) {
	logger = l
}

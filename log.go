package nursery

import (
	"github.com/btcsuite/btclog"
	"github.com/btcswap/nursery/chainobserver"
	"github.com/btcswap/nursery/lightning"
	"github.com/btcswap/nursery/notifications"
	"github.com/btcswap/nursery/store"
	"github.com/btcswap/nursery/swap"
	"github.com/btcswap/nursery/utils"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

// Subsystem defines the sub system name of this package.
const Subsystem = "NRSY"

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// genSubLogger returns a function that creates a logger for a given
// subsystem, hooked up so the interceptor can flush it on shutdown.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, interceptor.SubscribeShutdown)
	}
}

// addSubLogger registers a package's UseLogger callback against the root
// logger manager under the given subsystem tag.
func addSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLogger func(btclog.Logger)) {

	logger := genSubLogger(root, interceptor)(subsystem)
	useLogger(logger)
}

// SetupLoggers registers the package-level loggers under root, one per
// subsystem tag (NRSY, SCRP, CHON, LNAD, SWPD, EVTB, UTIL). The fsm and
// nursery/ package loggers are not registered here.
func SetupLoggers(root *build.SubLoggerManager, interceptor signal.Interceptor) {
	addSubLogger(root, Subsystem, interceptor, UseLogger)
	addSubLogger(root, "SCRP", interceptor, swap.UseLogger)
	addSubLogger(root, "CHON", interceptor, chainobserver.UseLogger)
	addSubLogger(root, "LNAD", interceptor, lightning.UseLogger)
	addSubLogger(root, "SWPD", interceptor, store.UseLogger)
	addSubLogger(root, "EVTB", interceptor, notifications.UseLogger)
	addSubLogger(root, utils.Subsystem, interceptor, utils.UseLogger)
}

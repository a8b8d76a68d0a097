// Package config implements the process-level configuration the swapd
// daemon entrypoint loads before wiring C1-C9 into the SwapService façade:
// go-flags-style command line/ini flags for paths and network selection
// (mirroring the teacher's cmd/loopd flag set), and a TOML pair
// configuration file for per-pair rate, fee, and timeout-delta values
// (pairs.go), consumed by timeout.Provider as its ConfigPersister.
package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lncfg"

	"github.com/swapd-project/swapd/swap"
	"github.com/swapd-project/swapd/swapdb"
)

var (
	swapdDirBase = btcutil.AppDataDir("swapd", false)

	defaultNetwork        = "mainnet"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "swapd.log"
	defaultPairsFilename  = "pairs.toml"
	defaultConfigFilename = "swapd.conf"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultHtlcConfTarget  = int32(2)
	defaultSweepConfTarget = int32(6)
)

// Config is the top-level process configuration, parsed from command line
// flags and an optional ini file, mirroring the teacher's cmd/loopd
// config.
type Config struct {
	Network string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet"`

	SwapDir    string `long:"swapdir" description:"the directory for all of swapd's data"`
	ConfigFile string `long:"configfile" description:"path to configuration file"`
	PairsFile  string `long:"pairsfile" description:"path to the TOML pair configuration file"`
	LogDir     string `long:"logdir" description:"directory to log output"`

	MaxLogFiles    int `long:"maxlogfiles" description:"maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int `long:"maxlogfilesize" description:"maximum logfile size in MB"`

	DebugLevel string `long:"debuglevel" description:"logging level for all subsystems {trace, debug, info, warn, error, critical} -- you may also specify <subsystem>=<level>,..."`

	// ScriptVersion selects the HTLC construction used for every newly
	// created swap: "legacy" (P2WSH) or "taproot" (P2TR + MuSig2).
	ScriptVersion string `long:"scriptversion" description:"htlc script version" choice:"legacy" choice:"taproot"`

	AllowReverseSwaps bool `long:"allowreverseswaps" description:"accept reverse swap requests"`

	HtlcConfTarget  int32 `long:"htlcconftarget" description:"confirmation target used to fee-rate lockup transactions"`
	SweepConfTarget int32 `long:"sweepconftarget" description:"confirmation target used to fee-rate claim/refund sweeps"`

	Postgres *swapdb.Config `group:"postgres" namespace:"postgres"`
}

// DefaultConfig returns the default values for Config.
func DefaultConfig() Config {
	return Config{
		Network:         defaultNetwork,
		SwapDir:         swapdDirBase,
		ConfigFile:      filepath.Join(swapdDirBase, defaultConfigFilename),
		PairsFile:       filepath.Join(swapdDirBase, defaultPairsFilename),
		LogDir:          filepath.Join(swapdDirBase, defaultLogDirname),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		DebugLevel:      defaultLogLevel,
		ScriptVersion:   "taproot",
		HtlcConfTarget:  defaultHtlcConfTarget,
		SweepConfTarget: defaultSweepConfTarget,
		Postgres:        &swapdb.Config{Host: "localhost", Port: 5432},
	}
}

// LogFilename is the basename used for the log file under cfg.LogDir.
const LogFilename = defaultLogFilename

// Validate cleans up cfg's paths, namespaces LogDir per network and creates
// it if missing, and parses ScriptVersion into its swap.ScriptVersion
// value. SwapDir and PairsFile are neither namespaced nor created.
func Validate(cfg *Config) (swap.ScriptVersion, error) {
	cfg.SwapDir = lncfg.CleanAndExpandPath(cfg.SwapDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)
	cfg.PairsFile = lncfg.CleanAndExpandPath(cfg.PairsFile)

	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Network)

	if err := os.MkdirAll(cfg.LogDir, os.ModePerm); err != nil {
		return 0, err
	}

	switch cfg.ScriptVersion {
	case "", "taproot":
		return swap.Taproot, nil
	case "legacy":
		return swap.Legacy, nil
	default:
		return 0, swapVersionError(cfg.ScriptVersion)
	}
}

type swapVersionError string

func (e swapVersionError) Error() string {
	return "unknown htlc script version " + string(e)
}

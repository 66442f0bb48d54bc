package nursery

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcswap/nursery/lightning"
	flags "github.com/jessevdk/go-flags"
)

// NetworkConfig selects the chain the nursery is running against and
// resolves it to the matching chaincfg.Params.
type NetworkConfig struct {
	Network string `long:"network" description:"network to run on" choice:"regtest" choice:"testnet" choice:"mainnet" choice:"simnet"`
}

// Params resolves the configured network name to its chaincfg.Params.
func (c *NetworkConfig) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, &UnknownNetworkError{Network: c.Network}
	}
}

// UnknownNetworkError is returned by NetworkConfig.Params for a network name
// outside the four choices go-flags accepts on the field.
type UnknownNetworkError struct {
	Network string
}

func (e *UnknownNetworkError) Error() string {
	return "unknown network: " + e.Network
}

// ChainRPCConfig configures the C2 Chain Observer's bitcoind backend.
type ChainRPCConfig struct {
	Host string `long:"host" description:"bitcoind rpc address"`
	User string `long:"user" description:"bitcoind rpc username"`
	Pass string `long:"pass" description:"bitcoind rpc password"`

	ZMQBlockAddr string `long:"zmqblockaddr" description:"address bitcoind publishes hashblock notifications on"`
	ZMQTxAddr    string `long:"zmqtxaddr" description:"address bitcoind publishes rawtx notifications on"`

	PollInterval time.Duration `long:"pollinterval" description:"how long the zmq subscriber blocks waiting for data before checking for a shutdown request"`
}

// LightningConfig configures the C3 Lightning Adapter's connection to lnd.
type LightningConfig struct {
	Host        string `long:"host" description:"lnd instance rpc address"`
	MacaroonDir string `long:"macaroondir" description:"path to the directory containing all required lnd macaroons"`
	TLSPath     string `long:"tlspath" description:"path to lnd tls certificate"`

	MaxPaymentRetries int `long:"maxpaymentretries" description:"maximum number of retries on transient payment failures"`
}

// StoreConfig selects and configures the C4 Swap Repository backend.
type StoreConfig struct {
	Backend string `long:"backend" description:"swap repository backend" choice:"bbolt" choice:"postgres" choice:"sqlite"`

	DataDir string `long:"datadir" description:"directory for the bbolt database file"`
	DSN     string `long:"dsn" description:"connection string for the postgres or sqlite backend"`
}

// Config is the top-level nursery configuration, assembled from sub-configs
// the way loopd.Config assembles lnd/server/view. No CLI binary in this
// module parses it directly; it exists so an embedding caller can bind it
// to flags or a config file, as LoadConfig does.
type Config struct {
	LogDir         string `long:"logdir" description:"directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"maximum logfile size in MB"`
	DebugLevel     string `long:"debuglevel" description:"logging level for all subsystems"`

	Network   *NetworkConfig   `group:"network" namespace:"network"`
	ChainRPC  *ChainRPCConfig  `group:"chainrpc" namespace:"chainrpc"`
	Lightning *LightningConfig `group:"lightning" namespace:"lightning"`
	Store     *StoreConfig     `group:"store" namespace:"store"`
}

// DefaultConfig returns the default values for Config.
func DefaultConfig() Config {
	return Config{
		LogDir:         "logs",
		MaxLogFiles:    3,
		MaxLogFileSize: 10,
		DebugLevel:     "info",
		Network: &NetworkConfig{
			Network: "mainnet",
		},
		ChainRPC: &ChainRPCConfig{
			Host:         "localhost:8332",
			PollInterval: 100 * time.Millisecond,
		},
		Lightning: &LightningConfig{
			Host:              "localhost:10009",
			MaxPaymentRetries: lightning.DefaultPaymentRetries,
		},
		Store: &StoreConfig{
			Backend: "bbolt",
			DataDir: "data",
		},
	}
}

// LoadConfig parses args against DefaultConfig using the same go-flags
// layering loopd.LoadConfig does: defaults first, command-line flags
// layered on top. args is typically os.Args[1:]; pass nil to get defaults
// back untouched.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	parser := flags.NewParser(&cfg, flags.Default)
	parser.SubcommandsOptional = true

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return &cfg, nil
}

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/prudhvinik1/devicepair/internal/logs"
	"github.com/prudhvinik1/devicepair/internal/pairclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const agentVersion = "1.0.0"

// rootCmd is the headless agent: it pairs with a signed-in human once and
// then talks to the API with its own device token.
var rootCmd = &cobra.Command{
	Use:           "pairagent",
	Short:         "Headless device agent for the pairing API",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("server", "http://localhost:8080", "pairing API base URL")
	flags.String("state-dir", defaultStateDir(), "directory holding the install id and device token")
	flags.String("pairing-url", "", "override the pairing page URL")
	flags.String("device-name", hostname(), "name shown for this device")
	flags.Bool("verbose", false, "log client activity to stderr")

	// every flag can also come from PAIRAGENT_<FLAG>, e.g. PAIRAGENT_STATE_DIR
	viper.SetEnvPrefix("pairagent")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"server", "state-dir", "pairing-url", "device-name", "verbose"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func newClient(cmd *cobra.Command) (*pairclient.Client, error) {
	server := viper.GetString("server")
	stateDir := viper.GetString("state-dir")
	pairingURL := viper.GetString("pairing-url")
	deviceName := viper.GetString("device-name")
	verbose := viper.GetBool("verbose")

	log := logs.Discard()
	if verbose {
		log = logs.New(logs.Options{Level: "debug", Output: os.Stderr})
	}

	return pairclient.New(pairclient.Options{
		BaseURL:       server,
		PairingURL:    pairingURL,
		Source:        "cli",
		ClientVersion: agentVersion,
		DeviceName:    deviceName,
		Storage:       pairclient.NewFileStorage(stateDir),
		Logger:        log,
	})
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".pairagent"
	}
	return filepath.Join(dir, "pairagent")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "pairagent"
	}
	return name
}

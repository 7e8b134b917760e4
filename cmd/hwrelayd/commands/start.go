// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/relay"
	"github.com/hwrelayd/hwrelayd/pkg/unpack"
)

var (
	log        *logrus.Logger
	disableTLS bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the relay",
	Long: `start runs a relay instance. Without a local controller process the
instance acts as a pure relay: it races for the shared port and routes
messages between whoever connects.`,
	Run: runRelay,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().IntP("port", "p", 7335, "The well-known relay port shared by all instances on the LAN")
	viper.BindPFlag("relay.port", startCmd.Flags().Lookup("port"))
	startCmd.Flags().IntP("reconnect-budget", "r", relay.DefaultReconnectBudget, "Failed uplink (re)connects tolerated before a subordinate demotes itself")
	viper.BindPFlag("relay.reconnectBudget", startCmd.Flags().Lookup("reconnect-budget"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Run plaintext even if a certificate bundle is present")

	viper.SetDefault("relay.statsPassword", "")
	viper.SetDefault("modules.baseURL", "")
}

func runRelay(cmd *cobra.Command, args []string) {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.DebugLevel

	opener := &relay.PortOpener{
		Port:      viper.GetInt("relay.port"),
		TLSConfig: loadTLSConfig(),
		Log:       log,
	}

	// A standalone relay has no hardware controller of its own; log what
	// would normally be handed to one.
	controller := &relay.ControllerFuncs{
		HandleServerDataFunc: func(msg model.Message) {
			log.WithField("action", msg.Action()).Debug("Local dispatch")
		},
		NotifyDisplayModeFunc: func(mode relay.DisplayMode) {
			log.WithField("mode", mode).Info("Display mode changed")
		},
	}

	session := relay.NewSession(log, controller, opener, nil)
	session.ReconnectBudget = viper.GetInt("relay.reconnectBudget")
	session.StatsPassword = viper.GetString("relay.statsPassword")

	if baseURL := viper.GetString("modules.baseURL"); baseURL != "" {
		modulesDir := os.ExpandEnv(viper.GetString("modules.dir"))
		if modulesDir == "" {
			modulesDir = path.Join(cfgDir, "modules")
		}
		session.Fetcher = &relay.Fetcher{
			BaseURL:    baseURL,
			Dir:        modulesDir,
			Pipeline:   &unpack.Pipeline{Log: log},
			Controller: controller,
			Log:        log,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting HWRelayd")
	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	session.Close()
}

// loadTLSConfig loads the certificate bundle if one is present at the
// configured (or well-known) location. TLS is used automatically when
// the bundle exists, otherwise the port stays plaintext.
func loadTLSConfig() *tls.Config {
	if disableTLS {
		return nil
	}

	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	if certFile == "" || keyFile == "" {
		certFile = path.Join(cfgDir, "cert.pem")
		keyFile = path.Join(cfgDir, "key.pem")
	}
	if _, err := os.Stat(certFile); err != nil {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.WithError(err).Fatal("Cannot load X.509 key pair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

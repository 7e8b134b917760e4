// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/howeyc/gopass"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hwrelayd/hwrelayd/pkg/model"
	"github.com/hwrelayd/hwrelayd/pkg/relay"
	"github.com/hwrelayd/hwrelayd/pkg/transport"
)

var (
	statsPort              int
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a running relay",
	Long: `stats queries a relay instance for running stats.

If the host is omitted, the local relay will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local relay's configuration.
			statsPort = viper.GetInt("relay.port")
			skipTLSVerification = true
			statsPassword = viper.GetString("relay.statsPassword")
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVarP(&statsPort, "port", "P", 7335, "port of the relay to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the relay's stats password\n    If unset, the password is the same as the local relay's.")

	viper.SetDefault("relay.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("HWRELAYD_STATS_PASSWORD")
	}

	if statsPassword == "" {
		return errors.New("A stats password is required")
	}

	scheme := "wss"
	var tlsConfig *tls.Config
	if disableTLS {
		scheme = "ws"
	} else {
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: skipTLSVerification,
			RootCAs:            certPool,
		}
	}

	quiet := logrus.New()
	quiet.Out = os.Stderr
	quiet.Level = logrus.ErrorLevel

	statsAddr := net.JoinHostPort(statsHost, strconv.Itoa(statsPort))
	urlStr := fmt.Sprintf("%s://%s%s", scheme, statsAddr, transport.RelayPath)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uplink, err := transport.DialUplink(ctx, urlStr, model.Handshake{}, tlsConfig, quiet)
	if err != nil {
		return errors.Wrap(err, "Connect to relay")
	}
	defer uplink.Close()

	err = uplink.Send(model.Message{
		"action":   model.ActionStats,
		"password": statsPassword,
	})
	if err != nil {
		return errors.Wrap(err, "Request stats")
	}

	for {
		select {
		case msg, ok := <-uplink.Recv():
			if !ok {
				return errors.New("Connection closed by remote host")
			}
			switch msg.Action() {
			case model.ActionError:
				return errors.Errorf("Relay returned an error: %s", msg.Str("reason"))
			case model.ActionStats:
				return printStats(statsHost, statsAddr, msg["stats"])
			default:
				// Ignore all unknown messages
			}
		case <-ctx.Done():
			return errors.New("Timed out waiting for stats")
		}
	}
}

func printStats(statsHost, statsAddr string, raw interface{}) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "Decode stats")
	}
	var stats relay.Stats
	if err := json.Unmarshal(buf, &stats); err != nil {
		return errors.Wrap(err, "Decode stats")
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != 7335 {
		friendlyAddr = statsAddr
	}
	fmt.Printf(`Stats for %s:
Uptime: %s
Role: %s, display mode: %s
Connections: %d (max %d on %s)
Subordinate relays: %d (max %d on %s)
Master rooms: %v
Messages: %d routed locally, %d forwarded, %d dropped
`, friendlyAddr, stats.Uptime,
		stats.Role, stats.DisplayMode,
		stats.NumConns, stats.MaxConns, stats.MaxConnsAt,
		stats.NumRelays, stats.MaxRelays, stats.MaxRelaysAt,
		stats.MasterRooms,
		stats.RoutedLocal, stats.Forwarded, stats.Dropped)
	return nil
}

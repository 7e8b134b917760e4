// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the version of HWRelayd.
var Version = "unset"

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of HWRelayd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("HWRelayd version %s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}

// Copyright © 2025 The HWRelayd Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package main

import "github.com/hwrelayd/hwrelayd/cmd/hwrelayd/commands"

func main() {
	commands.Execute()
}

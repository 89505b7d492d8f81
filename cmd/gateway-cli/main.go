package main

import "stx-gateway/cmd/gateway-cli/cmd"

func main() {
	cmd.Execute()
}

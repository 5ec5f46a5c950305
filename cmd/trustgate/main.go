// Command trustgate runs the TrustGate authorization server.
package main

import "github.com/Sentinel-Gate/trustgate/cmd/trustgate/cmd"

func main() {
	cmd.Execute()
}

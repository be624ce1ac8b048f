// Command sync-gate runs the permission-aware replication gateway.
package main

import "github.com/Sentinel-Gate/Syncgate/cmd/sync-gate/cmd"

func main() {
	cmd.Execute()
}

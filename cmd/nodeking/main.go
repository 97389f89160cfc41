package main

import (
	"go.nodeking.dev/nodeking/cli"
	basecmd "go.nodeking.dev/nodeking/cmd"
)

func main() {
	basecmd.Run(&cli.Cmd{}, "nodeking", "Rank proxy nodes by reachability and latency and keep track of the best one")
}

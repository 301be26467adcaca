package main

import "github.com/taurusgroup/tss-mesh/cmd/tss-sim/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"os"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/cmd/guardctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

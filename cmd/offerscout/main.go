package main

import "github.com/offerscout/offerscout/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/scanfleet/scanfleet/cmd"

func main() {
	cmd.Execute()
}

package main

import "field-access-control/cmd"

func main() {
	cmd.Execute()
}

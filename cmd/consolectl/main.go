package main

import "qazna.org/console/cmd/consolectl/cmd"

func main() {
	cmd.Execute()
}

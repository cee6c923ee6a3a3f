package main

import "banxico-rate-alerts/internal/cli"

func main() {
	cli.Execute()
}

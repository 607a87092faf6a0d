// Package main implements the vpnstate CLI.
package main

func main() {
	Execute()
}

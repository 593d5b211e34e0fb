// wsbot is a command line WebSocket client and echo server.
package main

func main() {
	Execute()
}

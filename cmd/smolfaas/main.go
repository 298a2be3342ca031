// Command smolfaas runs JavaScript functions locally or serves them over
// HTTP, and talks to a running server.
package main

func main() {
	execute()
}

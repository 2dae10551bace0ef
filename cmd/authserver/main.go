package main

import "github.com/keyward/authserver/cmd/authserver/cmd"

func main() {
	cmd.Execute()
}

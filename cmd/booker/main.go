package main

import "github.com/example/booker-api/cmd"

func main() {
	cmd.Execute()
}

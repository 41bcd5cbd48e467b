package main

import "github.com/entrepeneur4lyf/chatgate/cmd/chatgate/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"github.com/zkVerify/zkVerify-qa/cmd/zkvqa/commands"
)

func main() {
	commands.Execute()
}

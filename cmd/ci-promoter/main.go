package main

import "github.com/davarch/ci-promoter/cmd/ci-promoter/cli"

func main() {
	cli.Execute()
}

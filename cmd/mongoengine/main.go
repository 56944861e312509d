package main

import "github.com/nimburion/mongoengine/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{Name: "mongoengine"}))
}

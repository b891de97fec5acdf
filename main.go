package main

import "github.com/sovads/ledger/cmd"

func main() {
	cmd.Execute()
}

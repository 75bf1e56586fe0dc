package main

import (
	"github.com/injadlu/dama/dama-golib/cmdline"
)

func main() {
	cmdline.MustDispatch(trainCmd, coordinatorCmd, alignCmd)
}

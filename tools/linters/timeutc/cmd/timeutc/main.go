package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/firmflow/engine/tools/linters/timeutc"
)

func main() {
	singlechecker.Main(timeutc.Analyzer)
}

package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/firmflow/engine/tools/linters/timeeq"
)

func main() {
	singlechecker.Main(timeeq.Analyzer)
}

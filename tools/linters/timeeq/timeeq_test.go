package timeeq_test

import (
	"testing"

	"golang.org/x/tools/go/analysis/analysistest"

	"github.com/firmflow/engine/tools/linters/timeeq"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), timeeq.Analyzer, "a")
}

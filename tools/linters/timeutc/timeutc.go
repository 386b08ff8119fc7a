// Package timeutc defines an analyzer that flags time.Now() calls whose
// result is not immediately normalized with .UTC().
//
// The engine stores every persisted instant in UTC: period boundaries are
// computed in the rule's zone and converted back before they touch the
// database. A bare time.Now() leaks the host timezone into that pipeline.
package timeutc

import (
	"go/ast"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer flags time.Now() calls that are not wrapped in .UTC().
var Analyzer = &analysis.Analyzer{
	Name: "timeutc",
	Doc:  "checks that time.Now() is normalized with .UTC() before use",
}

// Run is attached in init because run reads Analyzer.Name; a Run field in
// the literal above would form an initialization cycle.
func init() { Analyzer.Run = run }

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		// Calls appearing as the receiver of .UTC() are compliant; collect
		// them before judging the rest.
		wrapped := make(map[*ast.CallExpr]bool)
		ast.Inspect(file, func(n ast.Node) bool {
			sel, ok := n.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "UTC" {
				return true
			}
			if call, ok := sel.X.(*ast.CallExpr); ok && isTimeNow(call) {
				wrapped[call] = true
			}
			return true
		})

		suppressed := nolintLines(pass, file, Analyzer.Name)
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || !isTimeNow(call) || wrapped[call] {
				return true
			}
			if suppressed[pass.Fset.Position(call.Pos()).Line] {
				return true
			}
			pass.Reportf(call.Pos(), "time.Now() must be normalized with .UTC() before use")
			return true
		})
	}
	return nil, nil
}

// isTimeNow reports whether call is syntactically time.Now().
func isTimeNow(call *ast.CallExpr) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Now" {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == "time"
}

// nolintLines returns the lines suppressed for the named analyzer. A nolint
// comment covers its own line and the one below, so both trailing and
// preceding placements work. A scoped //nolint:other does not suppress.
func nolintLines(pass *analysis.Pass, file *ast.File, name string) map[int]bool {
	lines := make(map[int]bool)
	for _, cg := range file.Comments {
		for _, c := range cg.List {
			if !strings.Contains(c.Text, "nolint") {
				continue
			}
			if strings.Contains(c.Text, ":") && !strings.Contains(c.Text, name) {
				continue
			}
			line := pass.Fset.Position(c.Pos()).Line
			lines[line] = true
			lines[line+1] = true
		}
	}
	return lines
}

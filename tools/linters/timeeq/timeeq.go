// Package timeeq defines an analyzer that flags time.Time values compared
// with == or !=.
//
// Operator comparison on time.Time also compares the monotonic clock reading
// and the location, so two representations of the same instant can differ.
// Period boundaries and attempt deadlines in the engine must be compared
// with Equal (or IsZero for the zero value).
package timeeq

import (
	"go/ast"
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/analysis"
)

// Analyzer flags == and != between time.Time values.
var Analyzer = &analysis.Analyzer{
	Name: "timeeq",
	Doc:  "checks for time.Time comparisons with == or !=, which also compare the monotonic clock and location",
}

// Run is attached in init because run reads Analyzer.Name; a Run field in
// the literal above would form an initialization cycle.
func init() { Analyzer.Run = run }

func run(pass *analysis.Pass) (any, error) {
	for _, file := range pass.Files {
		suppressed := nolintLines(pass, file, Analyzer.Name)
		ast.Inspect(file, func(n ast.Node) bool {
			bin, ok := n.(*ast.BinaryExpr)
			if !ok || (bin.Op != token.EQL && bin.Op != token.NEQ) {
				return true
			}
			if !isTimeValue(pass, bin.X) || !isTimeValue(pass, bin.Y) {
				return true
			}
			if suppressed[pass.Fset.Position(bin.Pos()).Line] {
				return true
			}
			if isEmptyCompositeLit(bin.X) || isEmptyCompositeLit(bin.Y) {
				pass.Reportf(bin.Pos(), "time.Time compared against the zero value with %s; use IsZero", bin.Op)
				return true
			}
			pass.Reportf(bin.Pos(), "time.Time values compared with %s; use Equal, which ignores the monotonic clock and location", bin.Op)
			return true
		})
	}
	return nil, nil
}

// isTimeValue reports whether expr has static type time.Time. Pointer
// comparisons stay legal; they compare identity, not instants.
func isTimeValue(pass *analysis.Pass, expr ast.Expr) bool {
	t := pass.TypesInfo.TypeOf(expr)
	if t == nil {
		return false
	}
	named, ok := types.Unalias(t).(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj != nil && obj.Pkg() != nil && obj.Pkg().Path() == "time" && obj.Name() == "Time"
}

// isEmptyCompositeLit reports whether expr is a composite literal with no
// elements. Both operands are already known to be time.Time, so an empty
// literal here is time.Time{}.
func isEmptyCompositeLit(expr ast.Expr) bool {
	lit, ok := expr.(*ast.CompositeLit)
	return ok && len(lit.Elts) == 0
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

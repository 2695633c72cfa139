package instrument

import (
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strconv"
)

// TestMainFile is the name of the file GenerateTestMain output is written to.
const TestMainFile = "cygprof_testmain_test.go"

// A test binary never runs main.main, so the flush has to hang off TestMain.
// The imports are renamed so they cannot collide with package-level names.
const testMainTemplate = `// Code generated by cygprof. DO NOT EDIT.

package %s

import (
	cygprofos "os"
	cygproftesting "testing"

	%s %q
)

func TestMain(m *cygproftesting.M) {
	%s.Init()
	code := m.Run()
	%s.Fini()
	cygprofos.Exit(code)
}
`

// GenerateTestMain returns a test file for package pkg whose TestMain
// initializes the tracer, runs the tests and writes the trace before exiting.
// Use it for packages that declare no TestMain of their own.
func GenerateTestMain(pkg string) ([]byte, error) {
	if !token.IsIdentifier(pkg) {
		return nil, fmt.Errorf("invalid package name %q", pkg)
	}
	src := fmt.Sprintf(testMainTemplate, pkg, PackageAlias, PackageImportPath, PackageAlias, PackageAlias)
	out, err := format.Source([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("failed to format TestMain: %w", err)
	}
	return out, nil
}

// isTestMain reports whether fn is `func TestMain(m *testing.M)`.
func (v *funcVisitor) isTestMain(fn *ast.FuncDecl) bool {
	if fn.Recv != nil || fn.Name.Name != "TestMain" || fn.Type.Params == nil {
		return false
	}
	params := fn.Type.Params.List
	if len(params) != 1 || len(params[0].Names) > 1 {
		return false
	}
	star, ok := params[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "M" {
		return false
	}
	pkg, ok := sel.X.(*ast.Ident)
	return ok && pkg.Name == importName(v.file, "testing")
}

// injectTestMain adds Init and a deferred Fini to an existing TestMain and
// makes every `os.Exit(x)` in it flush first:
//
//	os.Exit(m.Run())   →   { code := m.Run(); cygprof.Fini(); os.Exit(code) }
//
// x is evaluated before Fini, so the tests still run before the flush.
func (v *funcVisitor) injectTestMain(body *ast.BlockStmt) {
	if osName := importName(v.file, "os"); osName != "" {
		for _, site := range v.exitSites(body, osName) {
			(*site.list)[site.index] = v.flushThenExit((*site.list)[site.index].(*ast.ExprStmt))
		}
	}
	prepend(body, v.callStmt("Init"), &ast.DeferStmt{Call: v.call("Fini")})
}

type exitSite struct {
	list  *[]ast.Stmt
	index int
}

// exitSites finds `osName.Exit(x)` statements in body, outside function
// literals. Rewriting happens afterwards so the walk never sees its own output.
func (v *funcVisitor) exitSites(body *ast.BlockStmt, osName string) []exitSite {
	var sites []exitSite
	scan := func(list *[]ast.Stmt) {
		for i, stmt := range *list {
			if isExitCall(stmt, osName) {
				sites = append(sites, exitSite{list: list, index: i})
			}
		}
	}

	ast.Inspect(body, func(n ast.Node) bool {
		switch s := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.BlockStmt:
			scan(&s.List)
		case *ast.CaseClause:
			scan(&s.Body)
		case *ast.CommClause:
			scan(&s.Body)
		}
		return true
	})
	return sites
}

func (v *funcVisitor) flushThenExit(stmt *ast.ExprStmt) ast.Stmt {
	call := stmt.X.(*ast.CallExpr)
	code := ast.NewIdent("code")
	return &ast.BlockStmt{List: []ast.Stmt{
		&ast.AssignStmt{Lhs: []ast.Expr{code}, Tok: token.DEFINE, Rhs: []ast.Expr{call.Args[0]}},
		v.callStmt("Fini"),
		&ast.ExprStmt{X: &ast.CallExpr{Fun: call.Fun, Args: []ast.Expr{ast.NewIdent("code")}}},
	}}
}

func isExitCall(stmt ast.Stmt, osName string) bool {
	es, ok := stmt.(*ast.ExprStmt)
	if !ok {
		return false
	}
	call, ok := es.X.(*ast.CallExpr)
	if !ok || len(call.Args) != 1 {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Exit" {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == osName
}

// importName returns the name file uses for importPath, or "" if the file
// does not import it (or imports it with _ or .).
func importName(file *ast.File, importPath string) string {
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || p != importPath {
			continue
		}
		name := localName(imp, p)
		if name == "_" || name == "." {
			return ""
		}
		return name
	}
	return ""
}

// PackageName returns the package clause of a Go source file. src follows
// the InstrumentFile conventions.
func PackageName(filename string, src any) (string, error) {
	file, err := parser.ParseFile(token.NewFileSet(), filename, src, parser.PackageClauseOnly)
	if err != nil {
		return "", fmt.Errorf("failed to parse package clause of %s: %w", filename, err)
	}
	return file.Name.Name, nil
}

package instrument

import (
	"go/ast"
	"go/token"
	"strings"
)

// InstrumentStats tracks what was instrumented in one file.
type InstrumentStats struct {
	FunctionsInstrumented int // Functions and methods given an enter/exit hook
	ClosuresInstrumented  int // Function literals given an enter/exit hook

	NoTraceSkipped      int // Functions carrying the notrace directive
	AlreadyInstrumented int // Functions already starting with the hook
	BodylessSkipped     int // Declarations without a body (assembly, linkname)

	MainInjected     bool // Init/Fini were added to main.main
	TestMain         bool // File declares TestMain(*testing.M)
	TestMainInjected bool // Init/Fini were added to TestMain
	Generated        bool // File is generated code and was left untouched
}

// Total returns the number of hooks inserted.
func (s InstrumentStats) Total() int {
	return s.FunctionsInstrumented + s.ClosuresInstrumented
}

// TotalSkipped returns the number of functions deliberately left alone.
func (s InstrumentStats) TotalSkipped() int {
	return s.NoTraceSkipped + s.AlreadyInstrumented + s.BodylessSkipped
}

// funcVisitor inserts hooks into function bodies.
type funcVisitor struct {
	fset  *token.FileSet
	file  *ast.File
	alias string
	opts  Options
	stats InstrumentStats
}

func newFuncVisitor(fset *token.FileSet, file *ast.File, alias string, opts Options) *funcVisitor {
	return &funcVisitor{fset: fset, file: file, alias: alias, opts: opts}
}

// instrument walks the whole file. Bodies are modified in place; ast.Inspect
// tolerates this because only Body.List of the current node changes and the
// inserted statements contain no function literals.
func (v *funcVisitor) instrument() error {
	var err error
	ast.Inspect(v.file, func(n ast.Node) bool {
		if err != nil {
			return false
		}

		switch fn := n.(type) {
		case *ast.FuncDecl:
			err = v.funcDecl(fn)
			// Closures inside a notrace function are still visited.
			return true
		case *ast.FuncLit:
			if v.opts.Closures {
				err = v.funcLit(fn)
			}
			return true
		}
		return true
	})
	return err
}

func (v *funcVisitor) funcDecl(fn *ast.FuncDecl) error {
	if fn.Body == nil {
		v.stats.BodylessSkipped++
		return nil
	}

	switch {
	case hasDirective(fn.Doc, NoTraceDirective):
		v.stats.NoTraceSkipped++
	case v.alreadyInstrumented(fn.Body):
		v.stats.AlreadyInstrumented++
	default:
		if err := v.checkShadowing(fn.Recv, fn.Type); err != nil {
			return err
		}
		prepend(fn.Body, v.hookStmt())
		v.stats.FunctionsInstrumented++
	}

	// A notrace main still needs the flush.
	if v.isMainFunc(fn) && !v.opts.SkipMain && !v.hasInit(fn.Body) {
		// Fini is deferred before the hook so that it runs after main's exit
		// event has been recorded.
		prepend(fn.Body, v.callStmt("Init"), &ast.DeferStmt{Call: v.call("Fini")})
		v.stats.MainInjected = true
	}

	if v.isTestMain(fn) {
		v.stats.TestMain = true
		if !v.opts.SkipMain && !v.hasInit(fn.Body) {
			v.injectTestMain(fn.Body)
			v.stats.TestMainInjected = true
		}
	}
	return nil
}

func (v *funcVisitor) funcLit(fn *ast.FuncLit) error {
	if err := v.checkShadowing(nil, fn.Type); err != nil {
		return err
	}
	if v.alreadyInstrumented(fn.Body) {
		v.stats.AlreadyInstrumented++
		return nil
	}
	prepend(fn.Body, v.hookStmt())
	v.stats.ClosuresInstrumented++
	return nil
}

// checkShadowing rejects functions whose parameters hide the package name.
func (v *funcVisitor) checkShadowing(recv *ast.FieldList, typ *ast.FuncType) error {
	for _, fl := range []*ast.FieldList{recv, typ.TypeParams, typ.Params, typ.Results} {
		if fl == nil {
			continue
		}
		for _, field := range fl.List {
			for _, name := range field.Names {
				if name.Name == v.alias {
					return NewInstrumentationErrorWithSuggestion(v.fset, name.Pos(),
						"parameter "+name.Name+" shadows the tracer package",
						"Rename the parameter or add "+NoTraceDirective+" to the function")
				}
			}
		}
	}
	return nil
}

func (v *funcVisitor) isMainFunc(fn *ast.FuncDecl) bool {
	return v.file.Name.Name == "main" && fn.Recv == nil && fn.Name.Name == "main"
}

// hookStmt builds `defer <alias>.Exit(<alias>.Enter())`.
func (v *funcVisitor) hookStmt() ast.Stmt {
	exit := v.call("Exit")
	exit.Args = []ast.Expr{v.call("Enter")}
	return &ast.DeferStmt{Call: exit}
}

func (v *funcVisitor) callStmt(name string) ast.Stmt {
	return &ast.ExprStmt{X: v.call(name)}
}

func (v *funcVisitor) call(name string) *ast.CallExpr {
	return &ast.CallExpr{Fun: &ast.SelectorExpr{X: ast.NewIdent(v.alias), Sel: ast.NewIdent(name)}}
}

// alreadyInstrumented reports whether body already starts with the hook,
// possibly preceded by the injected Init/Fini pair.
func (v *funcVisitor) alreadyInstrumented(body *ast.BlockStmt) bool {
	for _, stmt := range body.List {
		switch s := stmt.(type) {
		case *ast.DeferStmt:
			if v.isHook(s) {
				return true
			}
			if !v.isCall(s.Call, "Fini") {
				return false
			}
		case *ast.ExprStmt:
			c, ok := s.X.(*ast.CallExpr)
			if !ok || !v.isCall(c, "Init") {
				return false
			}
		default:
			return false
		}
	}
	return false
}

func (v *funcVisitor) isHook(d *ast.DeferStmt) bool {
	if !v.isCall(d.Call, "Exit") || len(d.Call.Args) != 1 {
		return false
	}
	inner, ok := d.Call.Args[0].(*ast.CallExpr)
	return ok && v.isCall(inner, "Enter")
}

// hasInit reports whether body already calls <alias>.Init at top level.
func (v *funcVisitor) hasInit(body *ast.BlockStmt) bool {
	for _, stmt := range body.List {
		if es, ok := stmt.(*ast.ExprStmt); ok {
			if c, ok := es.X.(*ast.CallExpr); ok && v.isCall(c, "Init") {
				return true
			}
		}
	}
	return false
}

func (v *funcVisitor) isCall(c *ast.CallExpr, name string) bool {
	sel, ok := c.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != name {
		return false
	}
	id, ok := sel.X.(*ast.Ident)
	return ok && id.Name == v.alias
}

func prepend(body *ast.BlockStmt, stmts ...ast.Stmt) {
	body.List = append(stmts, body.List...)
}

func hasDirective(doc *ast.CommentGroup, directive string) bool {
	if doc == nil {
		return false
	}
	for _, c := range doc.List {
		if c.Text == directive || strings.HasPrefix(c.Text, directive+" ") {
			return true
		}
	}
	return false
}

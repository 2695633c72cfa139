package instrument

import (
	"go/ast"
	"go/token"
	"path"
	"strconv"
)

// resolveAlias returns the name under which instrumented code refers to the
// tracer package in file.
//
// An existing named import of the package is reused. Otherwise PackageAlias
// is used, which must not collide with another import or a top-level
// identifier of the file.
func resolveAlias(fset *token.FileSet, file *ast.File) (string, error) {
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}

		if p == PackageImportPath {
			if imp.Name == nil {
				return PackageAlias, nil
			}
			switch imp.Name.Name {
			case "_", ".":
				return "", NewInstrumentationErrorWithSuggestion(fset, imp.Pos(),
					"tracer package imported as "+imp.Name.Name,
					"Import "+PackageImportPath+" under a regular name")
			}
			return imp.Name.Name, nil
		}

		if localName(imp, p) == PackageAlias {
			return "", NewInstrumentationErrorWithSuggestion(fset, imp.Pos(),
				"import "+strconv.Quote(p)+" collides with the tracer package name",
				"Import it under a different name, e.g. `import other "+strconv.Quote(p)+"`")
		}
	}

	//nolint:staticcheck // file.Scope is the cheapest way to see top-level names.
	if obj := file.Scope.Lookup(PackageAlias); obj != nil {
		return "", NewInstrumentationErrorWithSuggestion(fset, obj.Pos(),
			"top-level identifier "+PackageAlias+" shadows the tracer package",
			"Rename the identifier")
	}

	return PackageAlias, nil
}

// localName approximates the name an import binds. Package names are assumed
// to match the last path element.
func localName(imp *ast.ImportSpec, importPath string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	return path.Base(importPath)
}

// injectImport adds the tracer package import to file unless present.
//
// Example Transformations:
//
//	// No imports
//	package main              package main
//	                          import "github.com/kolkov/cygprof/cygprof"
//	func main() {}      →     func main() {}
//
//	// Has imports → Add to first import block
//	import "fmt"              import (
//	                              "fmt"
//	                              "github.com/kolkov/cygprof/cygprof"
//	                          )
func injectImport(file *ast.File, alias string) {
	for _, imp := range file.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil && p == PackageImportPath {
			return
		}
	}

	var importDecl *ast.GenDecl
	for _, decl := range file.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if ok && genDecl.Tok == token.IMPORT && !isCgoImport(genDecl) {
			importDecl = genDecl
			break
		}
	}

	if importDecl == nil {
		importDecl = &ast.GenDecl{Tok: token.IMPORT}
		file.Decls = append([]ast.Decl{importDecl}, file.Decls...)
	}

	spec := &ast.ImportSpec{
		Path: &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(PackageImportPath)},
	}
	if alias != path.Base(PackageImportPath) {
		spec.Name = ast.NewIdent(alias)
	}
	importDecl.Specs = append(importDecl.Specs, spec)

	// Non-zero Lparen means grouped import: import (...)
	if importDecl.Lparen == 0 && len(importDecl.Specs) > 1 {
		importDecl.Lparen = 1
	}

	file.Imports = append(file.Imports, spec)
}

// isCgoImport reports whether decl carries import "C", whose preamble must stay
// attached to it.
func isCgoImport(decl *ast.GenDecl) bool {
	for _, spec := range decl.Specs {
		if imp, ok := spec.(*ast.ImportSpec); ok && imp.Path.Value == `"C"` {
			return true
		}
	}
	return false
}

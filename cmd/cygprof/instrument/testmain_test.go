package instrument

import (
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compact collapses whitespace so multi-line statements compare on one line.
func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TestInstrumentFile_TestMain tests that an existing TestMain flushes before
// every os.Exit, including nested ones, but not inside closures.
func TestInstrumentFile_TestMain(t *testing.T) {
	input := `package store

import (
	"os"
	"testing"
)

var broken bool

func TestMain(m *testing.M) {
	if broken {
		os.Exit(2)
	}
	go func() {
		os.Exit(3)
	}()
	os.Exit(m.Run())
}
`
	result, err := InstrumentFile("store_test.go", input)
	require.NoError(t, err)
	assert.True(t, result.Stats.TestMain)
	assert.True(t, result.Stats.TestMainInjected)
	assert.Contains(t, imports(t, result.Code), strconv.Quote(PackageImportPath))

	body := bodies(t, result.Code)["TestMain"]
	require.Len(t, body, 6)
	assert.Equal(t, []string{"cygprof.Init()", "defer cygprof.Fini()", hook}, body[:3])
	assert.Equal(t, "if broken { { code := 2 cygprof.Fini() os.Exit(code) } }", compact(body[3]))
	assert.Equal(t, "go func() { os.Exit(3) }()", compact(body[4]))
	assert.Equal(t, "{ code := m.Run() cygprof.Fini() os.Exit(code) }", compact(body[5]))

	second, err := InstrumentFile("store_test.go", result.Code)
	require.NoError(t, err)
	assert.True(t, second.Stats.TestMain)
	assert.False(t, second.Stats.TestMainInjected)
	assert.Equal(t, 2, strings.Count(second.Code, "code :="))
}

// TestInstrumentFile_TestMainRenamedImports tests local import names.
func TestInstrumentFile_TestMainRenamedImports(t *testing.T) {
	input := `package store_test

import (
	sys "os"
	tst "testing"
)

func TestMain(m *tst.M) {
	sys.Exit(m.Run())
}
`
	result, err := InstrumentFile("store_test.go", input)
	require.NoError(t, err)
	require.True(t, result.Stats.TestMainInjected)

	body := bodies(t, result.Code)["TestMain"]
	assert.Equal(t, "{ code := m.Run() cygprof.Fini() sys.Exit(code) }", compact(body[len(body)-1]))
}

// TestInstrumentFile_TestMainReturns tests a TestMain that returns instead of
// calling os.Exit.
func TestInstrumentFile_TestMainReturns(t *testing.T) {
	input := `package store

import "testing"

func TestMain(m *testing.M) {
	m.Run()
}
`
	result, err := InstrumentFile("store_test.go", input)
	require.NoError(t, err)
	assert.Equal(t, []string{"cygprof.Init()", "defer cygprof.Fini()", hook, "m.Run()"},
		bodies(t, result.Code)["TestMain"])
}

// TestInstrumentFile_NotTestMain tests lookalikes that the testing package
// would not call.
func TestInstrumentFile_NotTestMain(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "wrong parameter",
			input: "package store\n\nimport \"testing\"\n\nfunc TestMain(t *testing.T) {}\n",
		},
		{
			name:  "method",
			input: "package store\n\nimport \"testing\"\n\ntype s struct{}\n\nfunc (s) TestMain(m *testing.M) {}\n",
		},
		{
			name:  "other M type",
			input: "package store\n\ntype M struct{}\n\nfunc TestMain(m *M) {}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := InstrumentFile("store_test.go", tt.input)
			require.NoError(t, err)
			assert.False(t, result.Stats.TestMain)
			assert.False(t, result.Stats.TestMainInjected)
			assert.NotContains(t, result.Code, "cygprof.Init()")
		})
	}
}

// TestInstrumentFile_TestMainSkipMain tests that SkipMain also covers TestMain.
func TestInstrumentFile_TestMainSkipMain(t *testing.T) {
	input := "package store\n\nimport \"testing\"\n\nfunc TestMain(m *testing.M) { m.Run() }\n"
	result, err := InstrumentFileWith("store_test.go", input, Options{SkipMain: true})
	require.NoError(t, err)
	assert.True(t, result.Stats.TestMain)
	assert.False(t, result.Stats.TestMainInjected)
	assert.Equal(t, []string{hook, "m.Run()"}, bodies(t, result.Code)["TestMain"])
}

// TestGenerateTestMain tests the standalone TestMain file.
func TestGenerateTestMain(t *testing.T) {
	code, err := GenerateTestMain("store")
	require.NoError(t, err)

	file, err := parser.ParseFile(token.NewFileSet(), TestMainFile, code, parser.ParseComments)
	require.NoError(t, err)
	assert.Equal(t, "store", file.Name.Name)

	body := bodies(t, string(code))["TestMain"]
	assert.Equal(t, []string{"cygprof.Init()", "code := m.Run()", "cygprof.Fini()", "cygprofos.Exit(code)"}, body)
	assert.Contains(t, imports(t, string(code)), strconv.Quote(PackageImportPath))

	// Generated files are left alone by a later instrumentation pass.
	again, err := InstrumentFile(TestMainFile, code)
	require.NoError(t, err)
	assert.True(t, again.Stats.Generated)

	_, err = GenerateTestMain("not a name")
	assert.Error(t, err)
}

// TestPackageName tests package clause extraction.
func TestPackageName(t *testing.T) {
	name, err := PackageName("x_test.go", "// doc\npackage store_test\n\nfunc broken( {\n")
	require.NoError(t, err)
	assert.Equal(t, "store_test", name)

	_, err = PackageName("bad.go", "not go")
	assert.Error(t, err)
}

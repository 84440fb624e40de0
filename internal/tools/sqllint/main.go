// Command sqllint checks that every SQL statement constant carries a unique
// "--sql <uuid>" marker on its first line. infra.SQLRunner refuses statements
// without one, so this catches the mistake before it reaches a database.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

type statement struct {
	file string
	name string
	line int
	sql  string
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"internal/sqlinline"}
	}
	os.Exit(run(targets, os.Stderr))
}

func run(targets []string, stderr io.Writer) int {
	var stmts []statement
	for _, target := range targets {
		found, err := collect(target)
		if err != nil {
			fmt.Fprintf(stderr, "sqllint: %v\n", err)
			return 1
		}
		stmts = append(stmts, found...)
	}

	violations := check(stmts)
	if len(violations) == 0 {
		return 0
	}
	fmt.Fprintln(stderr, "sqllint: SQL marker violations")
	for _, v := range violations {
		fmt.Fprintf(stderr, "  %s\n", v)
	}
	return 1
}

// collect parses every Go file under target and returns the string constants
// that look like SQL.
func collect(target string) ([]statement, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if filepath.Ext(target) != ".go" {
			return nil, nil
		}
		return collectFile(target)
	}
	var out []statement
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != target && (strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		found, err := collectFile(path)
		if err != nil {
			return err
		}
		out = append(out, found...)
		return nil
	})
	return out, err
}

func collectFile(path string) ([]statement, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}
	var out []statement
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for i, value := range vs.Values {
			head, ok := leadingLiteral(value)
			if !ok {
				continue
			}
			raw, err := unquote(head.Value)
			if err != nil || !sqlKeywordPattern.MatchString(concatenated(value)) {
				continue
			}
			name := ""
			if i < len(vs.Names) {
				name = vs.Names[i].Name
			}
			out = append(out, statement{file: path, name: name, line: fset.Position(head.Pos()).Line, sql: raw})
		}
		return true
	})
	return out, nil
}

func check(stmts []statement) []violation {
	var violations []violation
	seen := make(map[string]statement)
	for _, s := range stmts {
		m := uuidMarkerPattern.FindStringSubmatch(firstLine(s.sql))
		if m == nil {
			violations = append(violations, violation{file: s.file, name: s.name, line: s.line, message: "missing or invalid --sql <uuid> marker"})
			continue
		}
		if prev, dup := seen[m[1]]; dup {
			violations = append(violations, violation{
				file: s.file, name: s.name, line: s.line,
				message: fmt.Sprintf("marker %s already used by %s", m[1], prev.name),
			})
			continue
		}
		seen[m[1]] = s
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].file != violations[j].file {
			return violations[i].file < violations[j].file
		}
		return violations[i].line < violations[j].line
	})
	return violations
}

// leadingLiteral returns the leftmost string literal of a constant
// expression such as `"--sql ..." + postColumns + "..."`.
func leadingLiteral(expr ast.Expr) (*ast.BasicLit, bool) {
	switch e := expr.(type) {
	case *ast.BasicLit:
		return e, e.Kind == token.STRING
	case *ast.BinaryExpr:
		if e.Op != token.ADD {
			return nil, false
		}
		return leadingLiteral(e.X)
	case *ast.ParenExpr:
		return leadingLiteral(e.X)
	default:
		return nil, false
	}
}

// concatenated joins the string literals of expr, ignoring identifiers.
func concatenated(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.BasicLit:
		if e.Kind != token.STRING {
			return ""
		}
		s, _ := unquote(e.Value)
		return s
	case *ast.BinaryExpr:
		return concatenated(e.X) + " " + concatenated(e.Y)
	case *ast.ParenExpr:
		return concatenated(e.X)
	default:
		return ""
	}
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLInlineStatementsAreMarked(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{"../../sqlinline"}, &stderr); code != 0 {
		t.Fatalf("sqllint reported violations:\n%s", stderr.String())
	}
}

func TestCheckFindsViolations(t *testing.T) {
	dir := t.TempDir()
	src := "package q\n\n" +
		"const cols = `id, updated_at`\n\n" +
		"const QGood = `--sql 11111111-2222-4333-8444-555555555555\nselect ` + cols + ` from posts`\n\n" +
		"const QDup = `--sql 11111111-2222-4333-8444-555555555555\ndelete from posts`\n\n" +
		"const QBare = \"select 1\"\n\n" +
		"const Greeting = \"hello\"\n"
	path := filepath.Join(dir, "q.go")
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	stmts, err := collect(dir)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("collected %d statements, want 3: %+v", len(stmts), stmts)
	}

	violations := check(stmts)
	if len(violations) != 2 {
		t.Fatalf("violations = %v, want 2", violations)
	}
	if !strings.Contains(violations[0].message, "already used by QGood") || violations[0].name != "QDup" {
		t.Fatalf("first violation = %v", violations[0])
	}
	if violations[1].name != "QBare" {
		t.Fatalf("second violation = %v", violations[1])
	}

	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

package infra

import (
	"io"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsPairUpAndDown(t *testing.T) {
	src, err := MigrationSource()
	if err != nil {
		t.Fatalf("MigrationSource: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	for {
		up, _, err := src.ReadUp(version)
		if err != nil {
			t.Fatalf("read up %d: %v", version, err)
		}
		up.Close()
		down, _, err := src.ReadDown(version)
		if err != nil {
			t.Fatalf("read down %d: %v", version, err)
		}
		down.Close()

		next, err := src.Next(version)
		if err != nil {
			break
		}
		version = next
	}
}

func TestInitialSchemaEnforcesLikeUniqueness(t *testing.T) {
	src, err := MigrationSource()
	if err != nil {
		t.Fatalf("MigrationSource: %v", err)
	}
	defer src.Close()

	r, _, err := src.ReadUp(1)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	schema := string(body)
	for _, want := range []string{"primary key (user_id, post_id)", "like_version", "check (like_count >= 0)"} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}

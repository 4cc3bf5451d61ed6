package database

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/multi-agent/chat-timeline/internal/config"
	apperrors "github.com/multi-agent/chat-timeline/pkg/errors"
)

func TestLoadAppliedVersions_NilPool(t *testing.T) {
	_, err := loadAppliedVersions(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestApplyOneMigration_NilPool(t *testing.T) {
	err := applyOneMigration(context.Background(), nil, Migrations(), "001_conversation_messages.sql")
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestMigrate_NilPool(t *testing.T) {
	if err := Migrate(context.Background(), nil, Migrations()); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestListMigrationsSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql":    {Data: []byte("SELECT 2")},
		"001_a.sql":    {Data: []byte("SELECT 1")},
		"README.md":    {Data: []byte("docs")},
		"old/003.sql":  {Data: []byte("SELECT 3")},
		"010_last.sql": {Data: []byte("SELECT 10")},
	}
	got, err := listMigrations(fsys)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	want := []string{"001_a.sql", "002_b.sql", "010_last.sql"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPendingMigrations(t *testing.T) {
	got := pendingMigrations([]string{"001.sql", "002.sql", "003.sql"}, map[string]bool{"002.sql": true})
	if !slices.Equal(got, []string{"001.sql", "003.sql"}) {
		t.Fatalf("pending = %v", got)
	}
}

func TestEmbeddedMigrationCreatesMessagesTable(t *testing.T) {
	data, err := fs.ReadFile(Migrations(), "001_conversation_messages.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}
	if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS conversation_messages") {
		t.Fatal("embedded migration should create conversation_messages")
	}
}

func TestNewPoolRequiresConnString(t *testing.T) {
	_, err := NewPool(context.Background(), &config.Config{})
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSafeInt32(t *testing.T) {
	tests := []struct {
		in   int
		want int32
	}{
		{5, 5},
		{-1, 0},
		{1 << 40, 1<<31 - 1},
	}
	for _, tt := range tests {
		if got := safeInt32(tt.in, "x"); got != tt.want {
			t.Errorf("safeInt32(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

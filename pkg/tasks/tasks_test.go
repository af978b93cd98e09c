package tasks

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/vango-go/vai-assist/pkg/core/types"
)

func TestNop_ReturnsEmptyList(t *testing.T) {
	got, err := Nop{}.ListTasks(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("got=%#v, want empty non-nil", got)
	}
}

func TestPending_KeepsOrderAndDropsCompleted(t *testing.T) {
	in := []types.Task{
		{Title: "buy milk", Status: "pending"},
		{Title: "call mom", Status: "completed"},
		{Title: "pay rent", Status: "in_progress"},
		{Title: "gym", Status: "done"},
	}
	got := Pending(in)
	if len(got) != 2 || got[0].Title != "buy milk" || got[1].Title != "pay rent" {
		t.Fatalf("pending=%+v", got)
	}
}

func TestMigrations_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no embedded migrations")
	}
	data, err := fs.ReadFile(migrations, "migrations/"+entries[0].Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "-- +goose Up") {
		t.Fatalf("first migration lacks goose annotations")
	}
}

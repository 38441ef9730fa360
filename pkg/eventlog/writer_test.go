package eventlog

import (
	"os"
	"testing"
)

func TestNewWriter(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	currentFile := writer.CurrentLogFile()
	if currentFile == "" {
		t.Error("No current log file set")
	}
	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestWriteEntry(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	entry := &Entry{
		Kind:         KindDelivery,
		RepositoryID: 42,
		Branch:       "main",
		EventType:    "pull_request",
		Detail:       "pull #7 queued",
	}
	if err := writer.Write(entry); err != nil {
		t.Fatalf("Failed to write entry: %v", err)
	}

	// ID and timestamp are assigned on write.
	if entry.ID == "" {
		t.Error("Entry ID was not assigned")
	}
	if entry.Time.IsZero() {
		t.Error("Entry timestamp was not assigned")
	}

	data, err := os.ReadFile(writer.CurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("Log file is empty")
	}
	if data[len(data)-1] != '\n' {
		t.Error("Log line should end with newline")
	}
}

func TestWriteAndReadBack(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	entries := []*Entry{
		{Kind: KindDelivery, RepositoryID: 42, Branch: "main", EventType: "pull_request"},
		{Kind: KindTransition, RepositoryID: 42, Branch: "main", PullNumber: 7, Detail: "car created"},
		{Kind: KindTransition, RepositoryID: 42, Branch: "main", PullNumber: 7, Detail: "car discarded"},
	}
	for i, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry %d: %v", i, err)
		}
	}

	got, err := ReadEntries(writer.CurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(got))
	}
	if got[1].PullNumber != 7 || got[1].Detail != "car created" {
		t.Errorf("Entry 1 mismatch: %+v", got[1])
	}
	for i, entry := range got {
		if entry.ID == "" {
			t.Errorf("Entry %d has no ID", i)
		}
	}
}

func TestListLogFiles(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	files, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("Expected 1 log file, got %d", len(files))
	}
}

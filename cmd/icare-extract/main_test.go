package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/icaredata/icare-extract/internal/config"
	"github.com/icaredata/icare-extract/internal/platform/archive"
	"github.com/icaredata/icare-extract/internal/platform/fhir"
)

func TestRootCmd_Defaults(t *testing.T) {
	cmd := rootCmd()

	allEntries, err := cmd.Flags().GetBool("all-entries")
	if err != nil || !allEntries {
		t.Errorf("expected --all-entries to default to true, got %v (%v)", allEntries, err)
	}
	for _, name := range []string{"path-to-config", "path-to-run-logs", "debug"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag --%s", name)
		}
	}
	for short, long := range map[string]string{"f": "from-date", "t": "to-date", "a": "all-entries"} {
		f := cmd.Flags().ShorthandLookup(short)
		if f == nil || f.Name != long {
			t.Errorf("expected -%s to be --%s", short, long)
		}
	}
}

func TestRootCmd_InvalidDateFails(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--from-date", "not-a-date", "--entries-filter"})

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected an invalid date to fail the run")
	}
	if !bytes.Contains(out.Bytes(), []byte("-f/--from-date is not a valid date.")) {
		t.Errorf("expected the date error to be logged, got %s", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("invalid configuration")) {
		t.Errorf("expected the failure to be reported as a configuration error, got %s", out.String())
	}
}

func TestRunlogInit_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "run-logs.json")

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"runlog", "init", "-p", filepath.Join(dir, "missing.json"), "-l", path})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("run log not created: %v", err)
	}
	if string(bytes.TrimSpace(data)) != "[]" {
		t.Errorf("expected an empty array, got %s", data)
	}
}

func TestSandboxCmd_RequiresKey(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"sandbox", "--client-id", "x"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected the sandbox to require a public key")
	}
}

func withArchive(t *testing.T) (string, *archive.MemoryStore) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	doc := `{"patientIdCsvPath": "ids.csv", "archive": {"endpoint": "localhost:9000", "bucket": "bundles"}}`
	if err := os.WriteFile(configPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	store := archive.NewMemoryStore()
	orig := openArchiveStore
	openArchiveStore = func(_ context.Context, cfg config.ArchiveConfig) (archive.BlobStore, error) {
		if cfg.Bucket != "bundles" {
			t.Errorf("unexpected archive config %+v", cfg)
		}
		return store, nil
	}
	t.Cleanup(func() { openArchiveStore = orig })
	return configPath, store
}

func TestArchiveCmd_ListAndShow(t *testing.T) {
	configPath, store := withArchive(t)
	a := archive.NewArchiver(store, "20210301T120000Z")
	ctx := context.Background()
	for _, row := range []int{0, 1} {
		b := &fhir.Bundle{ResourceType: "Bundle", ID: "msg-" + string(rune('a'+row)), Type: fhir.BundleTypeMessage}
		if err := a.Archive(ctx, row, b); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"archive", "list", "--run", "20210301T120000Z", "-p", configPath})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "20210301T120000Z/row-1.json\t") {
		t.Errorf("unexpected listing %q", out.String())
	}

	out.Reset()
	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"archive", "show", "--run", "20210301T120000Z", "--row", "2", "-p", configPath})
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown fhir.Bundle
	if err := json.Unmarshal(out.Bytes(), &shown); err != nil {
		t.Fatalf("decode shown bundle: %v", err)
	}
	if shown.ID != "msg-b" {
		t.Errorf("expected the bundle of row 2, got %q", shown.ID)
	}
}

func TestArchiveCmd_Errors(t *testing.T) {
	configPath, _ := withArchive(t)

	for name, args := range map[string][]string{
		"missingRun":  {"archive", "list", "-p", configPath},
		"badRow":      {"archive", "show", "--run", "r", "--row", "0", "-p", configPath},
		"notArchived": {"archive", "show", "--run", "r", "--row", "1", "-p", configPath},
		"noConfig":    {"archive", "list", "--run", "r", "-p", filepath.Join(t.TempDir(), "missing.json")},
	} {
		t.Run(name, func(t *testing.T) {
			cmd := rootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetArgs(args)
			if err := cmd.ExecuteContext(context.Background()); err == nil {
				t.Errorf("expected %v to fail", args)
			}
		})
	}
}

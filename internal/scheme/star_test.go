package scheme

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadStar_RoundTripsLoopBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.star")
	blocks := []block{
		{
			Name:    "pipeline_processes",
			Columns: []string{"rlnPipeLineProcessName", "rlnPipeLineProcessStatusLabel"},
			Rows: [][]string{
				{"import_movies", "Running"},
				{"fs_motion_and_ctf", "Scheduled"},
			},
		},
	}

	if err := writeStar(path, blocks); err != nil {
		t.Fatalf("writeStar() error = %v", err)
	}

	got, err := readStar(path)
	if err != nil {
		t.Fatalf("readStar() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("readStar() returned %d blocks, want 1", len(got))
	}
	if got[0].Name != "pipeline_processes" {
		t.Errorf("Name = %q, want pipeline_processes", got[0].Name)
	}
	if len(got[0].Columns) != 2 || got[0].Columns[0] != "rlnPipeLineProcessName" {
		t.Errorf("Columns = %v", got[0].Columns)
	}
	if len(got[0].Rows) != 2 || got[0].Rows[0][1] != "Running" {
		t.Errorf("Rows = %v", got[0].Rows)
	}
}

func TestWriteReadStar_RoundTripsKVBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.star")
	blocks := []block{
		{
			Name: "scheme_general",
			KV: []kvPair{
				{Key: "rlnSchemeName", Value: "cryoboost"},
				{Key: "rlnSchemeCurrentNodeName", Value: "WAIT"},
			},
		},
	}

	if err := writeStar(path, blocks); err != nil {
		t.Fatalf("writeStar() error = %v", err)
	}
	got, err := readStar(path)
	if err != nil {
		t.Fatalf("readStar() error = %v", err)
	}
	if len(got) != 1 || got[0].Columns != nil {
		t.Fatalf("expected one KV block with no columns, got %+v", got)
	}
	if len(got[0].KV) != 2 || got[0].KV[1].Value != "WAIT" {
		t.Errorf("KV = %v", got[0].KV)
	}
}

func TestWriteReadStar_PreservesRowOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.star")
	blocks := []block{
		{
			Name:    "ordered",
			Columns: []string{"rlnIndex"},
			Rows:    [][]string{{"3"}, {"1"}, {"2"}},
		},
	}
	if err := writeStar(path, blocks); err != nil {
		t.Fatal(err)
	}
	got, err := readStar(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"3", "1", "2"}
	for i, row := range got[0].Rows {
		if row[0] != want[i] {
			t.Errorf("row %d = %v, want %v", i, row, want[i])
		}
	}
}

func TestWriteReadStar_MultipleBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.star")
	blocks := []block{
		{Name: "scheme_general", KV: []kvPair{{Key: "rlnSchemeName", Value: "cryoboost"}}},
		{Name: "scheme_jobs", Columns: []string{"rlnSchemeJobNameOriginal"}, Rows: [][]string{{"import_movies"}}},
	}
	if err := writeStar(path, blocks); err != nil {
		t.Fatal(err)
	}
	got, err := readStar(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("readStar() returned %d blocks, want 2", len(got))
	}
	if got[0].Name != "scheme_general" || got[1].Name != "scheme_jobs" {
		t.Errorf("block order = %q, %q", got[0].Name, got[1].Name)
	}
}

func TestFormatFloat_NoExponentNotation(t *testing.T) {
	cases := map[float64]string{
		1.9:      "1.9",
		300:      "300",
		0.000001: "0.000001",
		85.5:     "85.5",
	}
	for in, want := range cases {
		if got := formatFloat(in); got != want {
			t.Errorf("formatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatInt_PlainDecimal(t *testing.T) {
	if got := formatInt(42); got != "42" {
		t.Errorf("formatInt(42) = %q, want 42", got)
	}
	if got := formatInt(0); got != "0" {
		t.Errorf("formatInt(0) = %q, want 0", got)
	}
	if got := formatInt(-3); got != "-3" {
		t.Errorf("formatInt(-3) = %q, want -3", got)
	}
}

func TestReadStar_TolerantOfBlankLinesAndWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.star")
	content := "\n\n  data_scheme_general  \n\n  _rlnSchemeName   cryoboost  \n\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := readStar(path)
	if err != nil {
		t.Fatalf("readStar() error = %v", err)
	}
	if len(got) != 1 || len(got[0].KV) != 1 || got[0].KV[0].Value != "cryoboost" {
		t.Errorf("got %+v", got)
	}
}

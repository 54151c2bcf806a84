// Package filetest implements golden file helpers for tests: source files
// are read from an input directory and the output they produce is compared
// to the corresponding file in a result directory.
package filetest

import (
	"bufio"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/diff"
)

var testUpdateAllTests = flag.Bool("test.update-all-tests", false, "If set, sets all test.update-*-tests.")

// SourceFiles returns the list of source files in dir corresponding to the
// specified extension.
func SourceFiles(t *testing.T, dir, ext string) []os.FileInfo {
	t.Helper()

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	dents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	res := make([]os.FileInfo, 0, len(dents))
	for _, dent := range dents {
		if !dent.Type().IsRegular() || (ext != "" && filepath.Ext(dent.Name()) != ext) {
			continue
		}
		fi, err := dent.Info()
		if err != nil {
			t.Fatal(err)
		}
		res = append(res, fi)
	}
	return res
}

// QuotedLines reads the file fi in dir and returns its lines, each one
// unquoted as a Go string literal. Empty lines and lines starting with '#'
// are skipped.
func QuotedLines(t *testing.T, dir string, fi os.FileInfo) []string {
	t.Helper()

	f, err := os.Open(filepath.Join(dir, fi.Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := strconv.Unquote(line)
		if err != nil {
			t.Fatalf("%s:%d: %s", fi.Name(), n, err)
		}
		lines = append(lines, s)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

// DiffOutput validates that output is the same as the expected result in the
// golden file corresponding to fi. If updateFlag is true, it updates the
// golden file with output instead.
func DiffOutput(t *testing.T, fi os.FileInfo, output, resultDir string, updateFlag *bool) {
	t.Helper()
	DiffNamed(t, fi.Name(), "output", ".want", output, resultDir, updateFlag)
}

// DiffErrors is like DiffOutput for the errors output, the golden file has
// the ".err" extension.
func DiffErrors(t *testing.T, fi os.FileInfo, output, resultDir string, updateFlag *bool) {
	t.Helper()
	DiffNamed(t, fi.Name(), "errors", ".err", output, resultDir, updateFlag)
}

// DiffNamed is the general version of DiffOutput and DiffErrors, for golden
// files that do not correspond to a source file. The golden file is name+ext
// in resultDir and label identifies the kind of output in the error logs
// (e.g. "output", "errors").
func DiffNamed(t *testing.T, name, label, ext, output, resultDir string, updateFlag *bool) {
	t.Helper()

	goldFile := filepath.Join(resultDir, name+ext)
	if *updateFlag || *testUpdateAllTests {
		if err := os.WriteFile(goldFile, []byte(output), 0600); err != nil {
			t.Fatal(err)
		}
		return
	}

	wantb, err := os.ReadFile(goldFile)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	want := string(wantb)
	if testing.Verbose() {
		t.Logf("got %s:\n%s\n", label, output)
	}
	if patch := diff.Diff(want, output); patch != "" {
		if testing.Verbose() {
			t.Logf("want %s:\n%s\n", label, want)
		}
		t.Errorf("diff %s:\n%s\n", label, patch)
	}
}

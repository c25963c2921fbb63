package coverage

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleCobertura = `<?xml version="1.0"?>
<coverage line-rate="0.75" timestamp="1700000000">
  <sources><source>.</source></sources>
  <packages>
    <package name="widget">
      <classes>
        <class name="widget" filename="widget.go">
          <lines>
            <line number="1" hits="2"/>
            <line number="2" hits="0"/>
            <line number="3" hits="1"/>
          </lines>
        </class>
        <class name="helper_test" filename="tests/helper_test.go">
          <lines>
            <line number="1" hits="1"/>
          </lines>
        </class>
        <class name="empty" filename="empty.go">
          <lines>
          </lines>
        </class>
      </classes>
    </package>
  </packages>
</coverage>`

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	xmlPath := filepath.Join(dir, "CoverageResults.xml")
	if err := os.WriteFile(xmlPath, []byte(sampleCobertura), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package widget\n\nfunc A() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return xmlPath
}

func TestParseDropsTestsAndEmptyClasses(t *testing.T) {
	dir := t.TempDir()
	xmlPath := writeFixture(t, dir)

	report, err := Parse(xmlPath, dir, "abc1234", nil, "widget", "", "labci")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(report.SourceFiles) != 1 {
		t.Fatalf("expected 1 surviving source file, got %d: %+v", len(report.SourceFiles), report.SourceFiles)
	}
	if report.SourceFiles[0].Name != "widget.go" {
		t.Fatalf("expected widget.go, got %s", report.SourceFiles[0].Name)
	}
}

func TestParseHitArrayLength(t *testing.T) {
	dir := t.TempDir()
	xmlPath := writeFixture(t, dir)

	report, err := Parse(xmlPath, dir, "abc1234", nil, "widget", "", "labci")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cov := report.SourceFiles[0].Coverage
	// widget.go has 3 source lines, so the array is length 4 (index 0 unused).
	if len(cov) != 4 {
		t.Fatalf("expected hit array length 4, got %d", len(cov))
	}
	if cov[1] == nil || *cov[1] != 2 {
		t.Fatalf("expected line 1 hits=2, got %+v", cov[1])
	}
	if cov[2] == nil || *cov[2] != 0 {
		t.Fatalf("expected line 2 hits=0, got %+v", cov[2])
	}
}

func TestParsePercent(t *testing.T) {
	dir := t.TempDir()
	xmlPath := writeFixture(t, dir)

	report, err := Parse(xmlPath, dir, "abc1234", nil, "widget", "", "labci")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	// 2 of 3 lines covered (hits > 0).
	if report.Percent < 66 || report.Percent > 67 {
		t.Fatalf("expected ~66.67%%, got %v", report.Percent)
	}
}

func TestIsIgnoredPatterns(t *testing.T) {
	cases := map[string]bool{
		"tests/foo.go":       true,
		"docs/readme.go":     true,
		"_helpers_test.go":   true,
		"widget.go":          false,
		"pkg/widget/core.go": false,
	}
	for name, want := range cases {
		if got := isIgnored(name, 1); got != want {
			t.Errorf("isIgnored(%q) = %v, want %v", name, got, want)
		}
	}
	if !isIgnored("anything.go", 0) {
		t.Errorf("isIgnored should drop classes with no recorded lines")
	}
}

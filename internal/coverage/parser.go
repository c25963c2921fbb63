// Package coverage turns a Cobertura XML coverage report into per-file
// line-hit data and an overall percentage (parser.go), and compares two
// commits' coverage to decide pass/fail for "coverage changed" checks
// (reasoner.go).
package coverage

import (
	"crypto/md5" //nolint:gosec // source digest, not a security boundary
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SourceFile is one class/file's coverage entry, ready to be serialized into
// a Coveralls-shaped payload.
type SourceFile struct {
	Name         string `json:"name"`
	SourceDigest string `json:"source_digest"`
	Coverage     []*int `json:"coverage"`
}

// Report is the result of parsing one Cobertura XML file for one repo.
type Report struct {
	SourceFiles         []SourceFile `json:"source_files"`
	CommitSHA           string       `json:"commit_sha"`
	RunAt               time.Time    `json:"run_at"`
	RepoToken           string       `json:"repo_token,omitempty"`
	ServiceName         string       `json:"service_name,omitempty"`
	ServicePullRequest  string       `json:"service_pull_request"`
	Percent             float64      `json:"-"`
}

type cobertura struct {
	XMLName   xml.Name  `xml:"coverage"`
	Timestamp int64     `xml:"timestamp,attr"`
	Sources   []string  `xml:"sources>source"`
	Packages  []pkg     `xml:"packages>package"`
}

type pkg struct {
	Classes []class `xml:"classes>class"`
}

type class struct {
	Filename string `xml:"filename,attr"`
	Lines    []line `xml:"lines>line"`
}

type line struct {
	Number int `xml:"number,attr"`
	Hits    int `xml:"hits,attr"`
}

var (
	testsDirRE    = regexp.MustCompile(`(?i)(^|[\\/])tests[\\/]`)
	docsDirRE     = regexp.MustCompile(`(?i)(^|[\\/])docs[\\/]`)
	underscoreRE  = regexp.MustCompile(`(?i)(^|[\\/])_[^\\/]*test`)
)

func isIgnored(filename string, numLines int) bool {
	if numLines == 0 {
		return true
	}
	return testsDirRE.MatchString(filename) || docsDirRE.MatchString(filename) || underscoreRE.MatchString(filename)
}

// Parse reads the Cobertura report at xmlPath, digesting each surviving
// class's source file (read relative to the report's first <source>, which
// is itself resolved against repoRoot when relative; relative to repoRoot
// when the report names no source), and partitions classes
// by their leading submodule directory, selecting the partition for
// repoName (case-insensitive) or "main" if there is no match.
func Parse(xmlPath, repoRoot, commitSHA string, submodules []string, repoName, repoToken, serviceName string) (*Report, error) {
	data, err := os.ReadFile(xmlPath)
	if err != nil {
		return nil, fmt.Errorf("reading coverage xml: %w", err)
	}

	var doc cobertura
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing coverage xml: %w", err)
	}

	root := ""
	if len(doc.Sources) > 0 {
		root = doc.Sources[0]
	}
	if root == "" {
		root = repoRoot
	} else if !filepath.IsAbs(root) {
		root = path.Join(repoRoot, filepathToSlash(root))
	}

	submoduleSet := make(map[string]bool, len(submodules))
	for _, s := range submodules {
		submoduleSet[strings.ToLower(s)] = true
	}

	partitions := map[string][]class{}
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			if isIgnored(c.Filename, len(c.Lines)) {
				continue
			}
			leading := leadingDir(c.Filename)
			key := "main"
			if submoduleSet[strings.ToLower(leading)] {
				key = strings.ToLower(leading)
			}
			partitions[key] = append(partitions[key], c)
		}
	}

	selected, ok := partitions[strings.ToLower(repoName)]
	if !ok {
		selected = partitions["main"]
	}

	report := &Report{
		CommitSHA:          commitSHA,
		RunAt:              time.UnixMilli(doc.Timestamp * 1000).Local(),
		RepoToken:          repoToken,
		ServiceName:        serviceName,
		ServicePullRequest: "",
	}

	var coveredLines, totalLines int

	for _, c := range selected {
		srcPath := path.Join(root, filepathToSlash(c.Filename))
		digest, lineCount, err := digestSourceFile(srcPath)
		if err != nil {
			return nil, fmt.Errorf("digesting %s: %w", c.Filename, err)
		}

		hits := make([]*int, lineCount+1)
		for _, l := range c.Lines {
			if l.Number <= lineCount {
				h := l.Hits
				hits[l.Number] = &h
				totalLines++
				if h > 0 {
					coveredLines++
				}
			}
		}

		report.SourceFiles = append(report.SourceFiles, SourceFile{
			Name:         c.Filename,
			SourceDigest: digest,
			Coverage:     hits,
		})
	}

	if totalLines > 0 {
		report.Percent = float64(coveredLines) / float64(totalLines) * 100
	}

	return report, nil
}

func leadingDir(filename string) string {
	filename = filepathToSlash(filename)
	if i := strings.Index(filename, "/"); i >= 0 {
		return filename[:i]
	}
	return ""
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func digestSourceFile(p string) (digest string, lineCount int, err error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return "", 0, err
	}
	sum := md5.Sum(data) //nolint:gosec
	lineCount = strings.Count(string(data), "\n")
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		lineCount++
	}
	return hex.EncodeToString(sum[:]), lineCount, nil
}

// ComputePercentFromXML is a narrow helper used by the routine executor's
// updateJobFromRecord: when a record is missing its coverage percentage but
// the routine did produce a Cobertura file, recompute the percentage
// without needing the full Report (no digesting of source files required).
func ComputePercentFromXML(xmlPath, repoName string, submodules []string) (float64, error) {
	data, err := os.ReadFile(xmlPath)
	if err != nil {
		return 0, fmt.Errorf("reading coverage xml: %w", err)
	}
	var doc cobertura
	if err := xml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parsing coverage xml: %w", err)
	}

	submoduleSet := make(map[string]bool, len(submodules))
	for _, s := range submodules {
		submoduleSet[strings.ToLower(s)] = true
	}

	want := strings.ToLower(repoName)

	var covered, total int
	for _, p := range doc.Packages {
		for _, c := range p.Classes {
			if isIgnored(c.Filename, len(c.Lines)) {
				continue
			}
			leading := strings.ToLower(leadingDir(c.Filename))
			key := "main"
			if submoduleSet[leading] {
				key = leading
			}
			if key != want && key != "main" {
				continue
			}
			if key == "main" && want != "" && submoduleSet[want] {
				continue
			}
			for _, l := range c.Lines {
				total++
				if l.Hits > 0 {
					covered++
				}
			}
		}
	}
	if total == 0 {
		return 0, nil
	}
	return strconv.ParseFloat(fmt.Sprintf("%.4f", float64(covered)/float64(total)*100), 64)
}

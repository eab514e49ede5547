// Package fetcherclient wraps invocation of the external story-fetcher CLI
// and classifies its output into a FetcherOutcome per spec.md §4.9.
// Grounded on the original regex_parsing.py failure/forceable tables
// (translated from Python re to Go regexp) and on the pack's CLI-invocation
// idiom (exec.CommandContext + CombinedOutput, seen in maestro's merge
// driver) since the teacher repo itself performs no subprocess execution.
package fetcherclient

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/araddon/dateparse"
)

// OutcomeKind is the classification FetcherOutcome resolves to.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeForceIndicated  OutcomeKind = "force_indicated"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is the classifier's single return value: exactly one kind, plus
// whatever detail is relevant to it.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Timestamp string // populated only when a ForceIndicated match carried a parseable timestamp
}

// timestampPattern loosely matches an RFC3339-ish or common log timestamp
// embedded in fetcher output, e.g. from a "more recently than" comparison.
var timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)

var (
	equalChapters     = regexp.MustCompile(`already contains (\d+) chapters\.`)
	chapterDifference = regexp.MustCompile(`contains (\d+) chapters, more than source: (\d+)\.`)
	badChapters       = regexp.MustCompile(`doesn't contain any recognizable chapters, probably from a different source\.\s*Not updating\.`)
	noURL             = regexp.MustCompile(`No story URL found in epub to update\.`)
	moreRecent        = regexp.MustCompile(`File\(.*\.epub\) Updated\(.*\) more recently than Story\(.*\) - Skipping`)
	failedLogin       = regexp.MustCompile(`Login Failed on non-interactive process\. Set username and password in personal\.ini\.`)
	badRequest        = regexp.MustCompile(`400 Client Error: Bad Request for url:`)
	forbiddenClient   = regexp.MustCompile(`403 Client Error: Forbidden for url:`)
	flaresolverr      = regexp.MustCompile(`Connection to flaresolverr proxy server failed`)
	addedBookIDs      = regexp.MustCompile(`Added book ids: (\d+)`)
)

type patternReason struct {
	pattern *regexp.Regexp
	reason  string
}

var permanentPatterns = []patternReason{
	{equalChapters, "site appears broken: story has not actually updated yet"},
	{badChapters, "epub has no recognizable chapters, likely from a different source"},
	{noURL, "epub metadata has no source URL to update from"},
}

var transientPatterns = []patternReason{
	{failedLogin, "login failed, check username and password"},
	{badRequest, "bad request, check the URL"},
	{forbiddenClient, "forbidden, site may require a challenge-solving proxy"},
	{flaresolverr, "flaresolverr proxy connection failed"},
}

var forceablePatterns = []patternReason{
	{chapterDifference, "chapter count difference between source and destination"},
	{moreRecent, "local file newer than story, likely a metadata timestamp bug"},
}

// Classify parses combined stdout/stderr from a fetcher invocation into
// exactly one Outcome. It is deterministic given the same output text.
func Classify(output string) Outcome {
	for _, p := range forceablePatterns {
		if p.pattern.MatchString(output) {
			o := Outcome{Kind: OutcomeForceIndicated, Reason: p.reason}
			if ts := timestampPattern.FindString(output); ts != "" {
				if _, err := dateparse.ParseAny(ts); err == nil {
					o.Timestamp = ts
				}
			}
			return o
		}
	}
	for _, p := range permanentPatterns {
		if p.pattern.MatchString(output) {
			return Outcome{Kind: OutcomePermanentFailure, Reason: p.reason}
		}
	}
	for _, p := range transientPatterns {
		if p.pattern.MatchString(output) {
			return Outcome{Kind: OutcomeTransientFailure, Reason: p.reason}
		}
	}
	if m := addedBookIDs.FindStringSubmatch(output); m != nil {
		return Outcome{Kind: OutcomeSuccess, Reason: m[1]}
	}
	return Outcome{Kind: OutcomeSuccess}
}

// Mode is the fetcher invocation mode selected by retrypolicy.ResolveCommand.
type Mode string

const (
	ModeUpdate      Mode = "update"
	ModeUpdateAlways Mode = "update-always"
	ModeForce       Mode = "force"
)

// Client invokes the external story-fetcher binary.
type Client struct {
	binaryPath string
}

// New builds a Client wrapping the fetcher binary at path.
func New(binaryPath string) *Client {
	return &Client{binaryPath: binaryPath}
}

// Fetch runs the fetcher against url in mode, with its working directory
// pinned to scratchDir, and classifies the combined output.
func (c *Client) Fetch(ctx context.Context, scratchDir, url string, mode Mode) (Outcome, error) {
	cmd := exec.CommandContext(ctx, c.binaryPath, string(mode), url)
	cmd.Dir = scratchDir
	output, err := cmd.CombinedOutput()
	text := string(output)
	if err != nil && !strings.Contains(text, "chapters") && len(strings.TrimSpace(text)) == 0 {
		return Outcome{}, fmt.Errorf("fetcherclient: invoke %s: %w", c.binaryPath, err)
	}
	return Classify(text), nil
}

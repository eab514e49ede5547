// Package libraryclient wraps the external library CLI (calibredb in the
// original application) used for lookup, add, format-replace, and
// metadata export/restore, per spec.md §6 "External CLIs". Grounded on
// the original CalibreDBClient (calibredb_utils.py), translated from its
// shell=True command strings to argv-array exec.CommandContext calls: the
// original's string-built commands are a command-injection hazard this
// port does not carry forward.
package libraryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// executor runs a single CLI invocation and returns its stdout. The
// production executor shells out via exec.CommandContext; tests substitute
// a fake so Client's parsing logic can be exercised without a real
// calibredb binary.
type executor func(ctx context.Context, binary string, args []string) (stdout string, err error)

// Client invokes the library CLI binary against a single library path.
type Client struct {
	binaryPath  string
	libraryPath string
	username    string
	password    string
	exec        executor
}

// New builds a Client. username/password may be empty when the library
// needs no authentication.
func New(binaryPath, libraryPath, username, password string) *Client {
	return &Client{
		binaryPath:  binaryPath,
		libraryPath: libraryPath,
		username:    username,
		password:    password,
		exec:        execCommand,
	}
}

func execCommand(ctx context.Context, binary string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("libraryclient: %s %v: %w: %s", binary, args, err, stderr.String())
	}
	return stdout.String(), nil
}

func (c *Client) withLibraryArgs(args ...string) []string {
	out := append([]string{}, args...)
	out = append(out, "--with-library", c.libraryPath)
	if c.username != "" {
		out = append(out, "--username", c.username)
	}
	if c.password != "" {
		out = append(out, "--password", c.password)
	}
	return out
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.exec(ctx, c.binaryPath, c.withLibraryArgs(args...))
}

var addedBookIDsPattern = regexp.MustCompile(`Added book ids: (\d+)`)

// Lookup searches for a book whose stored source URL identifier matches
// url, returning its library id if found.
func (c *Client) Lookup(ctx context.Context, url string) (libraryID string, found bool, err error) {
	query := fmt.Sprintf(`identifiers:"url=%s"`, url)
	out, err := c.run(ctx, "list", "--search", query, "--fields", "id", "--for-machine")
	if err != nil {
		return "", false, err
	}
	var rows []struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return "", false, fmt.Errorf("libraryclient: decode lookup output: %w", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return fmt.Sprintf("%d", rows[0].ID), true, nil
}

// Add adds the single epub found in scratchDir as a new book, returning
// its newly assigned library id.
func (c *Client) Add(ctx context.Context, scratchDir string) (string, error) {
	epub, err := findEpub(scratchDir)
	if err != nil {
		return "", err
	}
	out, err := c.run(ctx, "add", "-d", epub)
	if err != nil {
		return "", err
	}
	m := addedBookIDsPattern.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("libraryclient: add did not report a book id: %s", out)
	}
	return m[1], nil
}

// Remove deletes libraryID from the library.
func (c *Client) Remove(ctx context.Context, libraryID string) error {
	_, err := c.run(ctx, "remove", libraryID)
	return err
}

// ReplaceFormat swaps the stored file for libraryID with the epub found
// in scratchDir, leaving all other metadata untouched.
func (c *Client) ReplaceFormat(ctx context.Context, libraryID, scratchDir string) error {
	epub, err := findEpub(scratchDir)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "add_format", "--replace", libraryID, epub)
	return err
}

// Export exports libraryID's epub file to destDir. Nothing in this module
// calls it; the preserve_metadata strategy uses Metadata/RestoreMetadata
// instead.
func (c *Client) Export(ctx context.Context, libraryID, destDir string) error {
	_, err := c.run(ctx, "export", libraryID,
		"--dont-save-cover", "--dont-write-opf", "--single-dir", "--to-dir", destDir)
	return err
}

// Metadata returns every field calibredb reports for libraryID.
func (c *Client) Metadata(ctx context.Context, libraryID string) (map[string]any, error) {
	out, err := c.run(ctx, "list", "--for-machine", "--fields=all", "--search", "id:"+libraryID)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		return nil, fmt.Errorf("libraryclient: decode metadata output: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RestoreMetadata writes every custom field (keys starting with "#") from
// fields back onto libraryID via set_custom, one field at a time so a
// single bad value doesn't abort the rest.
func (c *Client) RestoreMetadata(ctx context.Context, libraryID string, fields map[string]any) {
	for name, value := range fields {
		if !strings.HasPrefix(name, "#") || value == nil || value == "" {
			continue
		}
		_, _ = c.run(ctx, "set_custom", name, fmt.Sprintf("%v", value), libraryID)
	}
}

func findEpub(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.epub"))
	if err != nil {
		return "", fmt.Errorf("libraryclient: glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("libraryclient: no epub found in %s", dir)
	}
	return matches[0], nil
}

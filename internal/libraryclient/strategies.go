package libraryclient

import "context"

// Mode is the library integration strategy selected by
// config.LibraryConfig.MetadataPreservationMode, per spec.md §6.
type Mode string

const (
	ModeRemoveAdd         Mode = "remove_add"
	ModePreserveMetadata  Mode = "preserve_metadata"
	ModeAddFormat         Mode = "add_format"
)

// Integrate runs the story found in scratchDir into the library according
// to mode, returning the (possibly new) library id. libraryID is the id
// returned by an earlier Lookup; an empty libraryID means this is a new
// book and always goes through plain Add regardless of mode, per spec.md
// §6: "Only remove_add and preserve_metadata and add_format affect
// existing books; new books always use plain add."
func Integrate(ctx context.Context, c *Client, mode Mode, libraryID, scratchDir string) (string, error) {
	if libraryID == "" {
		return c.Add(ctx, scratchDir)
	}
	switch mode {
	case ModeAddFormat:
		return addFormatStrategy(ctx, c, libraryID, scratchDir)
	case ModePreserveMetadata:
		return preserveMetadataStrategy(ctx, c, libraryID, scratchDir)
	default:
		return removeAddStrategy(ctx, c, libraryID, scratchDir)
	}
}

// addFormatStrategy replaces the stored file in place; all metadata,
// including Calibre's own custom fields, survives untouched.
func addFormatStrategy(ctx context.Context, c *Client, libraryID, scratchDir string) (string, error) {
	if err := c.ReplaceFormat(ctx, libraryID, scratchDir); err != nil {
		return "", err
	}
	return libraryID, nil
}

// preserveMetadataStrategy exports custom fields, removes the old entry,
// adds the new one, then restores the exported fields onto the new id.
func preserveMetadataStrategy(ctx context.Context, c *Client, libraryID, scratchDir string) (string, error) {
	fields, _ := c.Metadata(ctx, libraryID)

	if err := c.Remove(ctx, libraryID); err != nil {
		return "", err
	}
	newID, err := c.Add(ctx, scratchDir)
	if err != nil {
		return "", err
	}
	if len(fields) > 0 {
		c.RestoreMetadata(ctx, newID, fields)
	}
	return newID, nil
}

// removeAddStrategy is the traditional remove-then-add; any custom
// metadata on the old entry is lost.
func removeAddStrategy(ctx context.Context, c *Client, libraryID, scratchDir string) (string, error) {
	if err := c.Remove(ctx, libraryID); err != nil {
		return "", err
	}
	return c.Add(ctx, scratchDir)
}

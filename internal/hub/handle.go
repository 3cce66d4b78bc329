package hub

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Size above which a file is assumed to be LFS-tracked when no metadata
// request was made. Pointer detection from metadata always wins over this.
const lfsSizeThreshold = 10 * 1024 * 1024 // 10MB

var commitHashRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// FileHandle identifies one artifact on the content host. It is the key for
// cache lookups and single-flight coordination, so it must be treated as
// immutable once constructed.
type FileHandle struct {
	RepoID   string // "org/name"
	Revision string // pinned commit id or a mutable label such as "main"
	Filename string // path relative to the repo root
}

// Key returns the coordination key for this handle.
func (h FileHandle) Key() string {
	return h.RepoID + "@" + h.Revision + "/" + h.Filename
}

func (h FileHandle) String() string {
	return h.Key()
}

// Validate checks that the handle can be mapped onto the cache layout and a
// resolve URL without escaping either.
func (h FileHandle) Validate() error {
	parts := strings.Split(h.RepoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("repo id %q must have the form org/name", h.RepoID)
	}

	if h.Revision == "" {
		return fmt.Errorf("revision is required for %q", h.RepoID)
	}

	if h.Filename == "" {
		return fmt.Errorf("filename is required for %q", h.RepoID)
	}

	clean := path.Clean(h.Filename)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("filename %q must be relative to the repo root", h.Filename)
	}

	return nil
}

// RepoDirName returns the top-level cache directory name for the handle's
// repo, e.g. "models--org--name".
func (h FileHandle) RepoDirName() string {
	return RepoDirName(h.RepoID)
}

// RepoDirName maps a repo id onto its cache directory name.
func RepoDirName(repoID string) string {
	return "models--" + strings.ReplaceAll(repoID, "/", "--")
}

// ResolveURL builds the content host URL for this handle.
func (h FileHandle) ResolveURL(endpoint string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		strings.TrimSuffix(endpoint, "/"),
		h.RepoID,
		url.PathEscape(h.Revision),
		h.Filename,
	)
}

// IsPinnedRevision reports whether the handle's revision is a concrete commit
// id rather than a mutable label that needs ref resolution.
func (h FileHandle) IsPinnedRevision() bool {
	return commitHashRe.MatchString(h.Revision)
}

// FileMetadata describes what the content host knows about a file. It is
// learned from a HEAD request (or a zero-range GET when HEAD is unsupported)
// and may be partially filled when supplied by a caller instead.
type FileMetadata struct {
	Size          int64  // advertised content length, 0 when unknown
	ETag          string // entity tag without quotes
	Checksum      string // expected sha256 hex digest, empty when unknown
	Commit        string // concrete revision id the request resolved to
	LFSPointer    bool   // true when the host reported pointer metadata
	AcceptsRanges bool   // true when the host advertises byte-range support
}

// IsLargeFile reports whether the file should be treated as an LFS-tracked
// artifact. Pointer metadata is authoritative; the size threshold is only a
// fallback for callers that skipped the metadata request.
func (m *FileMetadata) IsLargeFile() bool {
	if m == nil {
		return false
	}

	if m.LFSPointer {
		return true
	}

	return m.Size > lfsSizeThreshold
}

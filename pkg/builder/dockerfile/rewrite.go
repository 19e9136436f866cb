// Package dockerfile rewrites Dockerfiles before they are built.
//
// Three passes exist. The cache pass splices a previously archived layer in front of the
// cache anchor, the line ending in a "# runnable-cache" marker. The SSH keyring pass makes
// deploy keys available inside the build. The wait pass makes RUN and CMD instructions wait
// for the container network.
package dockerfile

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/cache"
)

var (
	// anchorPattern matches a RUN instruction, possibly continued over several physical lines,
	// whose last line ends in the cache marker. A trailing carriage return is not part of the anchor.
	anchorPattern = regexp.MustCompile(`(?im)^(RUN(?:[ \t]|\\\s|\\\r\n)(?:.|\\\s|\\\r\n)*# ?RUNNABLE-CACHE)\r?$`)

	// MarkerPattern finds the cache marker in an arbitrary line, e.g. an image history entry
	MarkerPattern = regexp.MustCompile(`(?i)# ?runnable-cache`)
)

// FindAnchor returns the first cache anchor in a Dockerfile
func FindAnchor(dockerfile string) (line string, ok bool) {
	line, _, ok = findAnchor(dockerfile)
	return line, ok
}

// findAnchor also returns the offset of the anchor in the Dockerfile
func findAnchor(dockerfile string) (line string, offset int, ok bool) {
	m := anchorPattern.FindStringSubmatchIndex(dockerfile)
	if m == nil {
		return "", 0, false
	}
	return dockerfile[m[2]:m[3]], m[2], true
}

// ContentHash is the hex MD5 of an anchor. Equal anchors always produce the same cache key.
func ContentHash(anchor string) string {
	sum := md5.Sum([]byte(anchor))
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of the cache pass
type Result struct {
	Dockerfile string
	// CachedLine is the anchor, if one was found
	CachedLine string
	// Hash is the content hash of CachedLine
	Hash string
	// UsingCache is true if an archived layer was copied into the context and spliced in
	UsingCache bool
}

// Rewriter performs the cache pass
type Rewriter struct {
	LayerCache cache.LayerCache
	// ContextDir is where the archived layer gets copied to
	ContextDir string
	// ImageTag is the tag of the image being built. Its repository component scopes the cache.
	ImageTag string
}

// Rewrite looks for the cache anchor and, if an archive for it exists, prepends an ADD of that archive.
// A missing or unreadable archive is an expected miss and leaves the Dockerfile untouched.
func (r *Rewriter) Rewrite(dockerfile string) (Result, error) {
	res := Result{Dockerfile: dockerfile}

	anchor, offset, ok := findAnchor(dockerfile)
	if !ok {
		return res, nil
	}
	res.CachedLine = anchor
	res.Hash = ContentHash(anchor)

	if r.ContextDir == "" {
		return res, xerrors.Errorf("no build context configured")
	}

	logger := log.WithFields(log.Fields{
		"hash": res.Hash,
		"tag":  r.ImageTag,
	})
	if r.LayerCache == nil {
		logger.Debug("no layer cache available")
		return res, nil
	}
	src, exists := r.LayerCache.Location(cache.LayerKey{Repo: cache.TagRepository(r.ImageTag), ContentHash: res.Hash})
	if !exists {
		logger.Debug("no cached layer")
		return res, nil
	}

	err := copyPreserving(src, filepath.Join(r.ContextDir, res.Hash+".tar"))
	if err != nil {
		logger.WithError(err).Warn("cannot use cached layer")
		return res, nil
	}

	res.Dockerfile = dockerfile[:offset] + "ADD " + res.Hash + ".tar /\n" + dockerfile[offset:]
	res.UsingCache = true
	logger.Info("using cached layer")
	return res, nil
}

// copyPreserving copies a regular file and keeps its mode and modification time
func copyPreserving(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	stat, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		cerr := out.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Chmod(stat.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, stat.ModTime(), stat.ModTime())
}

// Package cache provides the on-disk layer cache used to skip rebuilding the
// cache-anchored Dockerfile step.
//
// Layout:
//
//	<origin>/<image repository>/<content hash>.tar
//
// The image repository is the part of the image tag before the first colon, so
// unrelated projects never share an archive even if their anchor lines are
// identical. The content hash is the hex MD5 of the anchor line.
//
// A cache miss is never an error. Callers fall back to building without the
// cached layer.
package cache

import "strings"

// Layer identifies a cached layer archive.
type Layer interface {
	// Repository returns the image repository the layer belongs to
	Repository() string
	// Hash returns the content hash of the anchor line that produced the layer
	Hash() string
}

// LayerCache provides filesystem locations for layer archives
type LayerCache interface {
	// Location returns the absolute filesystem path for a layer archive and whether it exists
	Location(layer Layer) (path string, exists bool)
}

// LayerKey is the plain Layer implementation
type LayerKey struct {
	Repo        string
	ContentHash string
}

// Repository implements Layer
func (k LayerKey) Repository() string { return k.Repo }

// Hash implements Layer
func (k LayerKey) Hash() string { return k.ContentHash }

// TagRepository returns the repository component of an image tag, i.e. everything before the first colon.
// Registry ports are not special-cased so that existing cache layouts stay valid.
func TagRepository(tag string) string {
	repo, _, _ := strings.Cut(tag, ":")
	return repo
}

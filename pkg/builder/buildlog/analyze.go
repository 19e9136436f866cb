// Package buildlog finds out which layer of a freshly built image belongs to the cache anchor
package buildlog

import (
	"context"
	"errors"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/runnable/image-builder/pkg/builder/dockerfile"
)

// ErrNoImage is returned when the build log does not name the image that was built
var ErrNoImage = errors.New("could not determine image built")

var imageIDPattern = regexp.MustCompile(`Successfully built ([0-9a-f]+)`)

// HistoryEntry is a single layer of an image history, newest first
type HistoryEntry struct {
	ID        string
	CreatedBy string
}

// String renders the entry the way `docker history --no-trunc` does
func (e HistoryEntry) String() string {
	return e.ID + " " + e.CreatedBy
}

// HistoryFetcher provides the history of an image
type HistoryFetcher interface {
	History(ctx context.Context, imageID string) ([]HistoryEntry, error)
}

// LayerRecord names the layer to archive and the image it can be exported from
type LayerRecord struct {
	SourceImageID string
	SourceLayerID string
}

// ImageID returns the image id of the last "Successfully built" line in the log.
// Multi-stage builds print several of those, only the final one is the built image.
func ImageID(buildLog string) (string, error) {
	lines := strings.Split(buildLog, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := imageIDPattern.FindStringSubmatch(lines[i])
		if m != nil {
			return m[1], nil
		}
	}
	return "", ErrNoImage
}

// Analyze determines the built image from the log and looks for the cache anchor layer in its history.
// A history without the anchor is no error, the returned record is nil then.
func Analyze(ctx context.Context, buildLog string, h HistoryFetcher) (*LayerRecord, error) {
	imageID, err := ImageID(buildLog)
	if err != nil {
		return nil, err
	}

	history, err := h.History(ctx, imageID)
	if err != nil {
		return nil, xerrors.Errorf("cannot get history of image %s: %w", imageID, err)
	}

	for _, entry := range history {
		line := strings.TrimSpace(entry.String())
		if !dockerfile.MarkerPattern.MatchString(line) {
			continue
		}

		layer := strings.Split(line, " ")[0]
		if layer == "" {
			continue
		}
		log.WithFields(log.Fields{
			"image": imageID,
			"layer": layer,
		}).Debug("found cache anchor layer")
		return &LayerRecord{SourceImageID: imageID, SourceLayerID: layer}, nil
	}

	log.WithField("image", imageID).Debug("no cache anchor layer in image history")
	return nil, nil
}

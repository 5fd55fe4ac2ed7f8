package models

import (
	"strings"

	"github.com/google/uuid"
)

const uploadPrefix = "uploads/"

// DeriveVideoUID maps an object key to a stable video uid. Keys shaped
// uploads/<uuid>/... reuse the client-chosen token verbatim; anything
// else gets a deterministic UUIDv5 of the full key, so repeated
// deliveries of the same object always land on the same video row.
func DeriveVideoUID(objectKey string) string {
	if rest, ok := strings.CutPrefix(objectKey, uploadPrefix); ok {
		token, _, found := strings.Cut(rest, "/")
		if found {
			if _, err := uuid.Parse(token); err == nil {
				return token
			}
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(objectKey)).String()
}

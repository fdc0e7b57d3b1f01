// Package ids generates the client-side identifiers the session core needs:
// connection ids for transport bookkeeping and temp ids that tag outbound
// messages until the server assigns a real one.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const tempPrefix = "tmp-"

// NewTempID returns a clientTempId for an outbound message.
func NewTempID() string {
	return tempPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}

// NewConnID returns an id for a single transport attempt, used only for
// logging correlation.
func NewConnID() string {
	return "c-" + uuid.NewString()[:8]
}

// Package ids generates prefixed, sortable identifiers.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

const sessionPrefix = "sess"

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSession returns an id for an HTTP session, e.g. sess_01h455vb4pex5vsknk084sn02q.
func NewSession() string {
	return newID(sessionPrefix)
}

// IsSession reports whether id has the shape NewSession produces.
func IsSession(id string) bool {
	parsed, err := typeid.FromString(id)
	if err == nil {
		return parsed.Prefix() == sessionPrefix
	}
	return strings.HasPrefix(id, sessionPrefix+"-")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}

package protocol

import "strings"

// ArtifactMarker starts a stdout line that carries an artifact instead of text:
//
//	__PYHOST_ARTIFACT__:<mime-type>:<alt-text>:<base64-content>
const ArtifactMarker = "__PYHOST_ARTIFACT__:"

// ParseArtifactLine parses a single marker line. Lines without the marker,
// with fewer than two colons after it, or with an empty mime type are not
// artifacts.
func ParseArtifactLine(line string) (Artifact, bool) {
	rest, ok := strings.CutPrefix(strings.TrimRight(line, "\r"), ArtifactMarker)
	if !ok {
		return Artifact{}, false
	}
	mime, rest, ok := strings.Cut(rest, ":")
	if !ok || mime == "" {
		return Artifact{}, false
	}
	alt, content, ok := strings.Cut(rest, ":")
	if !ok {
		return Artifact{}, false
	}
	return Artifact{Type: mime, Alt: alt, Content: content}, true
}

// IsArtifactLine reports whether line would be consumed as an artifact.
func IsArtifactLine(line string) bool {
	_, ok := ParseArtifactLine(line)
	return ok
}

// ExtractArtifacts removes marker lines from text and returns the remaining
// text alongside the parsed artifacts, in order of appearance.
func ExtractArtifacts(text string) (string, []Artifact) {
	if !strings.Contains(text, ArtifactMarker) {
		return text, nil
	}

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	var artifacts []Artifact
	for _, line := range lines {
		if a, ok := ParseArtifactLine(line); ok {
			artifacts = append(artifacts, a)
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), artifacts
}

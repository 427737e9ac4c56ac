package main

import (
	goversion "github.com/hashicorp/go-version"
)

// ServerVersion is the release version surfaced in /server-info.json.
const ServerVersion = "1.3.0"

// minProtocolVersion is the oldest client protocol revision the WS command
// set still accepts. Bumped whenever a command's wire shape changes.
const minProtocolVersion = "1.0.0"

// ProtocolSupported reports whether a client-declared protocol version is
// new enough for this server. Unparseable versions are rejected; an empty
// string is accepted (legacy clients that never declared one).
func ProtocolSupported(clientVersion string) bool {
	if clientVersion == "" {
		return true
	}
	v, err := goversion.NewVersion(clientVersion)
	if err != nil {
		return false
	}
	min, err := goversion.NewVersion(minProtocolVersion)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(min)
}

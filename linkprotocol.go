package orconn

import (
	"slices"

	"github.com/pkg/errors"
)

// LinkProtocolVersion represents the version number of the link protocol.
type LinkProtocolVersion uint16

var (
	// LinkProtocolNone is an empty placeholder value for the
	// LinkProtocolVersion type.
	LinkProtocolNone LinkProtocolVersion
)

// SupportedLinkProtocolVersions lists the link protocols we speak, in
// ascending order.
var SupportedLinkProtocolVersions = []LinkProtocolVersion{1, 2, 3}

// MinV3LinkProtocolVersion is the first version negotiated by the in-protocol
// handshake.
const MinV3LinkProtocolVersion LinkProtocolVersion = 3

// ErrNoCommonVersion is returned from ResolveVersion when the two lists of
// supported versions do not have any versions in common.
var ErrNoCommonVersion = errors.New("no common version found")

// VersionsFor returns the versions to advertise in a VERSIONS cell. The
// in-protocol handshake lists only versions 3 and above; the renegotiation
// handshake lists only versions up to 2.
//
// Reference: https://github.com/torproject/torspec/blob/master/tor-spec.txt#L535-L539
//
//	   Since the version 1 link protocol does not use the "renegotiation"
//	   handshake, implementations MUST NOT list version 1 in their VERSIONS
//	   cell.  When the "renegotiation" handshake is used, implementations
//	   MUST list only the version 2.  When the "in-protocol" handshake is
//	   used, implementations MUST NOT list any version before 3, and SHOULD
//	   list at least version 3.
//
func VersionsFor(v3 bool) []LinkProtocolVersion {
	var vs []LinkProtocolVersion
	for _, v := range SupportedLinkProtocolVersions {
		if v3 != (v >= MinV3LinkProtocolVersion) {
			continue
		}
		vs = append(vs, v)
	}
	return vs
}

// ResolveVersion returns the highest version listed in both ours and theirs.
// Peers with nothing in common cannot talk, which is ErrNoCommonVersion.
func ResolveVersion(ours, theirs []LinkProtocolVersion) (LinkProtocolVersion, error) {
	highest := LinkProtocolNone
	for _, v := range theirs {
		if v > highest && slices.Contains(ours, v) {
			highest = v
		}
	}
	if highest == LinkProtocolNone {
		return LinkProtocolNone, ErrNoCommonVersion
	}
	return highest, nil
}

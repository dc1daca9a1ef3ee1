package signer

import "errors"

var (
	// ErrNoCredential means nothing usable was supplied or stored. The
	// resolver wraps it with guidance on how to provide one.
	ErrNoCredential = errors.New("no credentials provided")

	// ErrInvalidDescriptor covers malformed bunker URIs and key encodings.
	ErrInvalidDescriptor = errors.New("invalid credential descriptor")

	// ErrRemoteUnavailable means the bunker handshake or a signing round
	// trip failed. Fatal for the operation; a continuous loop retries on
	// its next pass.
	ErrRemoteUnavailable = errors.New("remote signer unavailable")

	// ErrConfigConflict means a migration would overwrite an existing
	// stored bunker link.
	ErrConfigConflict = errors.New("bunker config already exists")
)

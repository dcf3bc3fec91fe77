package config

import (
	"errors"
	"fmt"
)

// CurrentVersion is the configuration file format this build reads. Files
// without a version field are treated as CurrentVersion.
const CurrentVersion = 1

// ErrUnsupportedVersion is wrapped by every VersionError.
var ErrUnsupportedVersion = errors.New("unsupported config version")

// VersionError reports a version field this build cannot read.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	if e.Version > CurrentVersion {
		return fmt.Sprintf("config version %d was written for a newer malhub (this build reads %d); upgrade malhub", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not valid (this build reads %d)", e.Version, CurrentVersion)
}

func (e *VersionError) Unwrap() error { return ErrUnsupportedVersion }

// ValidateVersion rejects any version other than CurrentVersion.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version}
	}
	return nil
}

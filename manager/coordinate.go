package manager

import (
	"path"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"github.com/docker/distribution/reference"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/models"
)

const (
	maxVersionLength = 128
	maxNpmNameLength = 214
	maxRawPathLength = 1024
)

var (
	mavenSegment = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	mavenVersion = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._+-]*$`)
	npmName      = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)
	repoName     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidateCoordinate checks name and version against the grammar of the
// repository type.
func ValidateCoordinate(t models.RepositoryType, name, version string) error {
	var err error
	switch t {
	case models.Maven:
		err = validateMaven(name, version)
	case models.Npm:
		err = validateNpm(name, version)
	case models.Docker:
		err = validateDocker(name, version)
	case models.Raw:
		err = validateRaw(name, version)
	default:
		return errors.Wrapf(models.ErrInvalidArgument, "unknown repository type %q", t)
	}
	if err != nil {
		return errors.Wrapf(models.ErrInvalidCoordinate, "%s %s:%s: %v", t, name, version, err)
	}
	return nil
}

func validateMaven(name, version string) error {
	segments := strings.Split(name, ":")
	if len(segments) > 2 {
		return errors.New("expected groupId:artifactId or a file name")
	}
	for _, s := range segments {
		if !mavenSegment.MatchString(s) || s == "." || s == ".." {
			return errors.Errorf("invalid name segment %q", s)
		}
	}
	if len(version) > maxVersionLength || !mavenVersion.MatchString(version) {
		return errors.New("invalid version")
	}
	return nil
}

func validateNpm(name, version string) error {
	if len(name) > maxNpmNameLength || !npmName.MatchString(name) {
		return errors.New("invalid package name")
	}
	if _, err := semver.StrictNewVersion(version); err != nil {
		return errors.Wrap(err, "invalid version")
	}
	return nil
}

func validateDocker(name, version string) error {
	named, err := reference.WithName(name)
	if err != nil {
		return err
	}
	if _, err := reference.WithTag(named, version); err != nil {
		return err
	}
	return nil
}

func validateRaw(name, version string) error {
	if name == "" || len(name) > maxRawPathLength {
		return errors.New("invalid path length")
	}
	if strings.HasPrefix(name, "/") || name == "." || path.Clean(name) != name {
		return errors.New("path must be clean and relative")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return errors.New("path must not leave the repository")
		}
	}
	if !printable(name) {
		return errors.New("path contains control characters")
	}
	if version == "" || len(version) > maxVersionLength || !printable(version) {
		return errors.New("invalid version")
	}
	return nil
}

func printable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// overwritable reports whether an existing version may be uploaded again.
// Only docker tags move; every other coordinate is immutable once
// published.
func overwritable(t models.RepositoryType) bool {
	return t == models.Docker
}

func validateRepositoryName(name string) error {
	if len(name) == 0 || len(name) > 128 || !repoName.MatchString(name) {
		return errors.Wrapf(models.ErrInvalidArgument, "invalid repository name %q", name)
	}
	return nil
}

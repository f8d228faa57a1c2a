package profile

import (
	"fmt"
	"regexp"
)

// MaxNameLen bounds profile names.
const MaxNameLen = 64

// Profile names become directory names and --profile values. A leading hyphen
// would parse as a flag and a leading underscore marks scratch directories.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that name is usable as a profile name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("invalid profile name: empty")
	case len(name) > MaxNameLen:
		return fmt.Errorf("invalid profile name %q: longer than %d characters", name, MaxNameLen)
	case !nameRegexp.MatchString(name):
		return fmt.Errorf("invalid profile name %q: use lowercase letters, digits, '-' and '_', starting with a letter or digit", name)
	}
	return nil
}

package session

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateName checks that name conforms to session naming rules: lowercase,
// starting with a letter, at most 64 characters.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z][a-z0-9_-]{0,63}$", name)
	}
	return nil
}

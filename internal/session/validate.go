package session

import (
	"fmt"
	"regexp"
	"strings"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// NameError reports a session name that cannot be used as a directory name.
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid session name %q: must match %s", e.Name, nameRegexp)
}

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return &NameError{Name: name}
	}
	return nil
}

// Normalize trims surrounding space and lowercases a user-supplied name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

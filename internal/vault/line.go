package vault

import (
	"strings"

	"github.com/vault-cli/credvault/internal/util"
)

// LineSeparator joins the fields of the plaintext line form.
const LineSeparator = " - "

// FormatLine renders an entry as "service - identifier - secret".
func FormatLine(service, identifier, secret string) string {
	return service + LineSeparator + identifier + LineSeparator + secret
}

// CheckLine reports whether the fields survive FormatLine and ParseLine
// unchanged.
func CheckLine(service, identifier, secret string) error {
	for _, f := range []string{service, identifier} {
		if strings.Contains(f, LineSeparator) || strings.ContainsAny(f, "\r\n") || strings.TrimSpace(f) != f {
			return util.Errorf(util.ErrValidation, "%q cannot be written as a line: it contains %q, a line break or surrounding spaces", f, LineSeparator)
		}
	}
	if strings.ContainsAny(secret, "\r\n") {
		return util.Errorf(util.ErrValidation, "secret of %s/%s spans lines", service, identifier)
	}
	return nil
}

// ParseLine splits a line produced by FormatLine. The secret may itself
// contain the separator; service and identifier may not.
func ParseLine(line string) (service, identifier, secret string, err error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, LineSeparator, 3)
	if len(parts) != 3 {
		return "", "", "", util.Errorf(util.ErrFormat, "expected %q separated fields", strings.TrimSpace(LineSeparator))
	}
	service = strings.TrimSpace(parts[0])
	identifier = strings.TrimSpace(parts[1])
	if err := ValidateEntryFields(service, identifier); err != nil {
		return "", "", "", err
	}
	if parts[2] == "" {
		return "", "", "", util.Errorf(util.ErrValidation, "secret is required")
	}
	return service, identifier, parts[2], nil
}

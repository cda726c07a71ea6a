package vault

import (
	"strings"
	"unicode"

	"github.com/vault-cli/credvault/internal/domain"
)

// ParseSearchTokens splits the raw search string into lower-cased tokens.
// Tokens are delimited by '+' or any whitespace character.
func ParseSearchTokens(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return unicode.IsSpace(r) || r == '+'
	})

	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		tokens = append(tokens, strings.ToLower(field))
	}

	if len(tokens) == 0 {
		return nil
	}
	return tokens
}

// MatchesSearchTokens reports whether the entry satisfies all search tokens.
// Each token must be contained in the service or the identifier.
func MatchesSearchTokens(entry *domain.VaultEntry, tokens []string) bool {
	if len(tokens) == 0 || entry == nil {
		return true
	}

	service := strings.ToLower(entry.Service)
	identifier := strings.ToLower(entry.Identifier)

	for _, token := range tokens {
		token = strings.ToLower(token)
		if token == "" {
			continue
		}
		if strings.Contains(service, token) || strings.Contains(identifier, token) {
			continue
		}
		return false
	}
	return true
}

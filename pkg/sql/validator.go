package sql

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnsafeFragment is wrapped by every FragmentError.
var ErrUnsafeFragment = errors.New("unsafe SQL fragment")

// FragmentError describes why a user-supplied fragment was rejected.
type FragmentError struct {
	Fragment    string
	Reason      string
	Fingerprint string // libinjection fingerprint when the rejection came from injection screening
}

func (e *FragmentError) Error() string {
	return fmt.Sprintf("unsafe SQL fragment %q: %s", e.Fragment, e.Reason)
}

func (e *FragmentError) Unwrap() error { return ErrUnsafeFragment }

// Resolver maps a logical column name to its physical name.
type Resolver func(name string) (string, bool)

// Statement keywords never allowed in an expression fragment.
var forbiddenKeywords = map[string]bool{
	"select": true, "insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "grant": true, "revoke": true, "truncate": true,
	"union": true, "copy": true, "execute": true, "call": true, "into": true,
	"from": true, "with": true, "returning": true, "do": true,
}

// Function prefixes reaching server internals.
var forbiddenFunctionPrefixes = []string{"pg_", "lo_", "dblink", "set_config", "current_setting"}

// RewriteFragment screens an expression fragment (check constraint, default
// expression, partial-index predicate) and substitutes quoted physical names for
// every identifier that resolve recognizes. Unresolved bare words are kept verbatim
// so that operators, literals and function names pass through. Double-quoted
// identifiers must resolve. A nil resolver leaves bare words untouched and rejects
// quoted identifiers.
//
// A single trailing semicolon is stripped. Comments, further semicolons, dollar
// quoting, escape-string literals, statement keywords and server-internal
// functions are rejected, and the content of each string literal is screened
// with libinjection.
func RewriteFragment(fragment string, resolve Resolver) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(fragment))
	if normalized == "" {
		return "", &FragmentError{Fragment: fragment, Reason: "empty expression"}
	}
	reject := func(reason string) (string, error) {
		return "", &FragmentError{Fragment: fragment, Reason: reason}
	}

	src := []rune(normalized)
	var out strings.Builder
	depth := 0

	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case ch == ';':
			return reject("multiple statements not allowed")

		case ch == '-' && i+1 < len(src) && src[i+1] == '-',
			ch == '/' && i+1 < len(src) && src[i+1] == '*':
			return reject("comments not allowed")

		case ch == '$':
			return reject("dollar quoting and parameters not allowed")

		case ch == '(':
			depth++
			out.WriteRune(ch)

		case ch == ')':
			depth--
			if depth < 0 {
				return reject("unbalanced parentheses")
			}
			out.WriteRune(ch)

		case ch == '\'':
			content, end, ok := readQuoted(src, i, '\'')
			if !ok {
				return reject("unterminated string literal")
			}
			if result := CheckParameterForInjection("literal", content); result != nil {
				return "", &FragmentError{Fragment: fragment, Reason: "injection pattern in string literal", Fingerprint: result.Fingerprint}
			}
			out.WriteString(string(src[i : end+1]))
			i = end

		case ch == '"':
			name, end, ok := readQuoted(src, i, '"')
			if !ok {
				return reject("unterminated quoted identifier")
			}
			if resolve == nil {
				return reject("identifiers not allowed")
			}
			physical, found := resolve(name)
			if !found {
				return reject(fmt.Sprintf("unknown column %q", name))
			}
			out.WriteString(QuoteIdentifier(physical))
			i = end

		case isIdentStart(ch):
			end := i
			for end+1 < len(src) && isIdentPart(src[end+1]) {
				end++
			}
			word := string(src[i : end+1])
			lower := strings.ToLower(word)
			if forbiddenKeywords[lower] {
				return reject(fmt.Sprintf("keyword %s not allowed", strings.ToUpper(word)))
			}
			// E'..' and U&'..' honor backslash escapes, which readQuoted does not.
			if next := end + 1; next < len(src) {
				if lower == "e" && src[next] == '\'' {
					return reject("escape string literals not allowed")
				}
				if lower == "u" && src[next] == '&' {
					return reject("unicode escape literals not allowed")
				}
			}
			if isFunctionCall(src, end+1) {
				for _, prefix := range forbiddenFunctionPrefixes {
					if strings.HasPrefix(lower, prefix) {
						return reject(fmt.Sprintf("function %s not allowed", word))
					}
				}
				out.WriteString(word)
			} else if physical, found := resolveWord(resolve, word); found {
				out.WriteString(QuoteIdentifier(physical))
			} else {
				out.WriteString(word)
			}
			i = end

		default:
			out.WriteRune(ch)
		}
	}

	if depth != 0 {
		return reject("unbalanced parentheses")
	}
	return out.String(), nil
}

func resolveWord(resolve Resolver, word string) (string, bool) {
	if resolve == nil {
		return "", false
	}
	return resolve(word)
}

// readQuoted reads a quoted token starting at src[start] and returns its unescaped
// content and the index of the closing quote. Doubled quotes escape.
func readQuoted(src []rune, start int, quote rune) (string, int, bool) {
	var content strings.Builder
	for i := start + 1; i < len(src); i++ {
		if src[i] != quote {
			content.WriteRune(src[i])
			continue
		}
		if i+1 < len(src) && src[i+1] == quote {
			content.WriteRune(quote)
			i++
			continue
		}
		return content.String(), i, true
	}
	return "", 0, false
}

func isFunctionCall(src []rune, from int) bool {
	for i := from; i < len(src); i++ {
		if unicode.IsSpace(src[i]) {
			continue
		}
		return src[i] == '('
	}
	return false
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace after it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}

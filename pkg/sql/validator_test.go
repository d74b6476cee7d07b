package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columnsResolver(columns map[string]string) Resolver {
	return func(name string) (string, bool) {
		p, ok := columns[name]
		return p, ok
	}
}

func TestRewriteFragment_SubstitutesColumns(t *testing.T) {
	resolve := columnsResolver(map[string]string{
		"age":    "col_aaaaaaaaaaaaaaaa",
		"status": "col_bbbbbbbbbbbbbbbb",
	})

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"comparison", "age >= 18", `"col_aaaaaaaaaaaaaaaa" >= 18`},
		{"trailing semicolon", "age >= 18;", `"col_aaaaaaaaaaaaaaaa" >= 18`},
		{"literal untouched", "status = 'age'", `"col_bbbbbbbbbbbbbbbb" = 'age'`},
		{"quoted identifier", `"age" > 0 AND status IS NOT NULL`, `"col_aaaaaaaaaaaaaaaa" > 0 AND "col_bbbbbbbbbbbbbbbb" IS NOT NULL`},
		{"function call", "lower(status) <> ''", `lower("col_bbbbbbbbbbbbbbbb") <> ''`},
		{"escaped quote in literal", "status <> 'O''Brien'", `"col_bbbbbbbbbbbbbbbb" <> 'O''Brien'`},
		{"cast", "age::text <> '0'", `"col_aaaaaaaaaaaaaaaa"::text <> '0'`},
		{"in list", "status IN ('a', 'b')", `"col_bbbbbbbbbbbbbbbb" IN ('a', 'b')`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RewriteFragment(tt.input, resolve)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRewriteFragment_NilResolver(t *testing.T) {
	got, err := RewriteFragment("now()", nil)
	require.NoError(t, err)
	assert.Equal(t, "now()", got)

	got, err = RewriteFragment("'pending'", nil)
	require.NoError(t, err)
	assert.Equal(t, "'pending'", got)

	_, err = RewriteFragment(`"age"`, nil)
	assert.ErrorIs(t, err, ErrUnsafeFragment)
}

func TestRewriteFragment_Rejects(t *testing.T) {
	resolve := columnsResolver(map[string]string{"age": "col_a"})

	tests := []struct {
		name  string
		input string
	}{
		{"empty", "   "},
		{"second statement", "age > 0; DROP TABLE users"},
		{"line comment", "age > 0 -- trailing"},
		{"block comment", "age /* x */ > 0"},
		{"dollar quoting", "age > $1"},
		{"subquery", "age > (SELECT max(age) FROM t)"},
		{"union", "age > 0 UNION ALL age"},
		{"server function", "pg_sleep(10) IS NULL"},
		{"set_config", "set_config('app.current_tenant_id', '', false) IS NULL"},
		{"unterminated literal", "age = 'x"},
		{"unbalanced parens", "(age > 0"},
		{"closing paren first", "age > 0)"},
		{"unknown quoted column", `"missing" > 0`},
		{"injection in literal", "age::text = ''' OR ''1''=''1'"},
		{"escape string", `age::text = E'\' OR 1=1 --'`},
		{"lowercase escape string", `age::text = e'\''`},
		{"escape string hiding a call", `E'\' IS NOT NULL AND pg_sleep(1) IS NULL AND '' = '`},
		{"unicode escape string", `age::text = U&'\0027'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RewriteFragment(tt.input, resolve)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsafeFragment)
		})
	}
}

func TestRewriteFragment_EscapeStringPrefix(t *testing.T) {
	resolve := columnsResolver(map[string]string{"e": "col_e"})

	// A backslash in a plain literal is just a character; a column named e still resolves.
	out, err := RewriteFragment(`e <> '\'`, resolve)
	require.NoError(t, err)
	assert.Equal(t, `"col_e" <> '\'`, out)

	_, err = RewriteFragment(`e = E'\'`, resolve)
	require.Error(t, err)
	var fragErr *FragmentError
	require.True(t, errors.As(err, &fragErr))
	assert.Equal(t, "escape string literals not allowed", fragErr.Reason)
}

func TestRewriteFragment_InjectionFingerprint(t *testing.T) {
	_, err := RewriteFragment("''' OR ''1''=''1'", nil)
	require.Error(t, err)

	var fragErr *FragmentError
	require.True(t, errors.As(err, &fragErr))
	assert.NotEmpty(t, fragErr.Fingerprint)
}

package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdoflow/pdoflow/internal/store"
)

var (
	testHeader = []string{"id", "status"}
	testRows   = [][]string{
		{"abc", "waiting"},
		{"def", "done"},
	}
)

func TestValidateFormat(t *testing.T) {
	for _, ok := range []string{"simple", "grid", "html", "latex"} {
		require.NoError(t, validateFormat(ok))
	}
	err := validateFormat("yaml")
	require.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestRender_SimpleAndGrid(t *testing.T) {
	for _, format := range []string{"simple", "grid"} {
		var sb strings.Builder
		render(&sb, format, testHeader, testRows)
		out := sb.String()
		require.Contains(t, out, "abc", format)
		require.Contains(t, out, "waiting", format)
		require.Contains(t, out, "done", format)
	}
}

func TestRender_HTMLEscapes(t *testing.T) {
	var sb strings.Builder
	render(&sb, "html", testHeader, [][]string{{"<script>", "a&b"}})
	out := sb.String()
	require.Contains(t, out, "<table>")
	require.Contains(t, out, "&lt;script&gt;")
	require.Contains(t, out, "a&amp;b")
	require.NotContains(t, out, "<script>")
}

func TestRender_LaTeXEscapes(t *testing.T) {
	var sb strings.Builder
	render(&sb, "latex", testHeader, [][]string{{"50%", "a_b"}})
	out := sb.String()
	require.Contains(t, out, `\begin{tabular}{ll}`)
	require.Contains(t, out, `50\%`)
	require.Contains(t, out, `a\_b`)
	require.Contains(t, out, `\end{tabular}`)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitError},
		{fmt.Errorf("wrap: %w", store.ErrInvalidArgument), ExitInvalidArgument},
		{fmt.Errorf("wrap: %w", store.ErrNotFound), ExitNotFound},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, exitCode(tt.err))
	}
}

func TestParseUUID(t *testing.T) {
	_, err := parseUUID("not-a-uuid")
	require.ErrorIs(t, err, store.ErrInvalidArgument)

	id, err := parseUUID("9f3c1f6e-2b47-4a3d-9c1e-8f27d4a0b111")
	require.NoError(t, err)
	require.Equal(t, "9f3c1f6e-2b47-4a3d-9c1e-8f27d4a0b111", id.String())
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/ledger"
)

func TestExitError(t *testing.T) {
	err := NewExitError(ExitCommandError, "bad input")
	assert.Equal(t, "bad input", err.Error())
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	wrapped := WrapExitError(ExitFailure, "operation failed", errors.New("boom"))
	assert.Equal(t, "operation failed: boom", wrapped.Error())
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))

	// Non-exit errors default to failure.
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Success(map[string]string{"record_id": "abc"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Error("VALIDATION", "entity_id must not be empty", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	var out, errOut bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: true}

	f.VerboseLog("opening %s", "ledger.db")
	assert.Empty(t, out.String(), "diagnostics must not corrupt JSON output")
	assert.Equal(t, "opening ledger.db\n", errOut.String())

	f.Verbose = false
	errOut.Reset()
	f.VerboseLog("silenced")
	assert.Empty(t, errOut.String())
}

func TestFailWith_MapsLedgerCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "validation", err: ledger.NewValidationError("bad", "e", "f"), wantCode: ExitCommandError},
		{name: "invalid query", err: ledger.NewInvalidQueryError("bad"), wantCode: ExitCommandError},
		{name: "write failed", err: ledger.NewWriteError("e", "f", errors.New("disk")), wantCode: ExitFailure},
		{name: "timeout", err: ledger.NewTimeoutError("lookup", nil), wantCode: ExitFailure},
		{name: "plain", err: errors.New("boom"), wantCode: ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &OutputFormatter{Format: "text", Writer: &buf}

			err := failWith(f, tt.err)
			assert.Equal(t, tt.wantCode, GetExitCode(err))
			assert.NotEmpty(t, buf.String())
		})
	}
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(AppendResult{EventID: "e1", Type: "score/added", Height: 4})
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   AppendResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(4), resp.Data.Height)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeNotFound, "record not found", nil)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E004", resp.Error.Code)
	assert.Equal(t, "record not found", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("Nothing to archive."))
	assert.Equal(t, "Nothing to archive.\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(AppendResult{EventID: "e1", Type: "score/added", Height: 4}))
	assert.Equal(t, "appended e1 (score/added), height 4\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(map[string]int{"n": 1}))
	assert.Contains(t, buf.String(), `"n": 1`)
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error(ErrCodeInvalidEvent, "append failed", map[string]string{"diagnostic": "invalid_payload"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E003]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			errBuf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    buf,
				ErrWriter: errBuf,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening %s", "table")

			assert.Empty(t, buf.String(), "verbose output never lands on stdout")
			if tt.wantLog {
				assert.Contains(t, errBuf.String(), "opening table")
			} else {
				assert.Empty(t, errBuf.String())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	invalid := &reducer.InvalidEventError{Code: reducer.CodeUnknownType, Type: "nope"}
	tests := []struct {
		name string
		err  error
		exit int
		code string
	}{
		{"invalid event", fmt.Errorf("append: %w", invalid), ExitFailure, ErrCodeInvalidEvent},
		{"not found", fmt.Errorf("restore x: %w", store.ErrNotFound), ExitFailure, ErrCodeNotFound},
		{"not empty", engine.ErrNotEmpty, ExitFailure, ErrCodeNotEmpty},
		{"storage", &engine.StorageError{Op: "commit", Err: errors.New("disk I/O error")}, ExitCommandError, ErrCodeStorage},
		{"other", errors.New("boom"), ExitFailure, ErrCodeGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit, code := classify(tt.err)
			assert.Equal(t, tt.exit, exit)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestFail_JSONWritesEnvelope(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	invalid := &reducer.InvalidEventError{Code: reducer.CodeInvalidPayload, Type: "score/added"}
	err := formatter.Fail("append failed", invalid)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, invalid)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidEvent, resp.Error.Code)
	assert.Equal(t, map[string]any{"diagnostic": "invalid_payload"}, resp.Error.Details)
}

func TestFail_TextLeavesPrintingToMain(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Fail("restore failed", store.ErrNotFound)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Empty(t, buf.String())
}

func TestExitError(t *testing.T) {
	inner := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "reading bundle", inner)
	assert.Equal(t, "reading bundle: no such file", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, "bad", NewExitError(ExitFailure, "bad").Error())
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

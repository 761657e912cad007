package subprocess

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompileSuccessCapturesNothingOnCleanExit(t *testing.T) {
	res, err := Compile(context.Background(), zap.NewNop(), []string{"true"})
	require.NoError(t, err)
	require.Equal(t, Exited, res.Outcome.Kind)
	require.Equal(t, 0, res.Outcome.Code)
	require.Empty(t, res.Stderr)
}

func TestCompileFailureCapturesStderr(t *testing.T) {
	res, err := Compile(context.Background(), zap.NewNop(), []string{"sh", "-c", "echo boom 1>&2; exit 1"})
	require.NoError(t, err)
	require.Equal(t, Exited, res.Outcome.Kind)
	require.Equal(t, 1, res.Outcome.Code)
	require.Contains(t, res.Stderr, "boom")
}

func TestCompileMissingBinaryIsForkFailure(t *testing.T) {
	_, err := Compile(context.Background(), zap.NewNop(), []string{"cloudcompile-definitely-not-a-real-binary"})
	require.ErrorIs(t, err, ErrForkFailed)
}

func TestExecuteSuccessWritesCaptureFiles(t *testing.T) {
	dir := t.TempDir()
	res, err := Execute(context.Background(), zap.NewNop(), []string{"sh", "-c", "echo out; echo err 1>&2"}, "", dir, "case1")
	require.NoError(t, err)
	require.False(t, res.HadError)
	require.Equal(t, Exited, res.Outcome.Kind)

	out, err := os.ReadFile(filepath.Join(dir, "case1.output"))
	require.NoError(t, err)
	require.Contains(t, string(out), "out")

	errOut, err := os.ReadFile(filepath.Join(dir, "case1.err"))
	require.NoError(t, err)
	require.Contains(t, string(errOut), "err")
}

func TestExecuteNonZeroExitIsReportedAsError(t *testing.T) {
	dir := t.TempDir()
	res, err := Execute(context.Background(), zap.NewNop(), []string{"sh", "-c", "exit 7"}, "", dir, "case2")
	require.NoError(t, err)
	require.True(t, res.HadError)
	require.Equal(t, 7, res.Outcome.Code)
	require.Empty(t, res.StdoutPath)
}

func TestExecuteWithInputFileRedirectsStdin(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("hello-stdin\n"), 0o644))

	res, err := Execute(context.Background(), zap.NewNop(), []string{"cat"}, inputPath, dir, "case3")
	require.NoError(t, err)
	require.False(t, res.HadError)

	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	require.Equal(t, "hello-stdin\n", string(out))
}

package cmdline

import (
	"bytes"
	"context"
	"testing"

	"github.com/injadlu/dama/dama-golib/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Name  string `arg:"--name,required"`
	Fail  bool   `arg:"--fail"`
	Fatal bool   `arg:"--fatal"`

	called string
}

func (e *echoArgs) Validate() error {
	if e.Name == "invalid" {
		return errors.New("name cannot be invalid")
	}
	return nil
}

func (e *echoArgs) Handle(ctx context.Context) error {
	e.called = e.Name
	switch {
	case e.Fatal:
		return errors.Fatalf("nan in loss")
	case e.Fail:
		return errors.New("plain failure")
	}
	return nil
}

func dispatch(t *testing.T, a *echoArgs, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Dispatch(context.Background(), args, &stdout, &stderr, Command{
		Name:     "echo",
		Synopsis: "echo the name",
		Args:     a,
	})
	return code, stdout.String(), stderr.String()
}

func TestDispatch(t *testing.T) {
	a := &echoArgs{}
	code, _, _ := dispatch(t, a, "echo", "--name", "beta")
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "beta", a.called)
}

func TestDispatchUsage(t *testing.T) {
	code, stdout, _ := dispatch(t, &echoArgs{})
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stdout, "no command provided")

	code, stdout, _ = dispatch(t, &echoArgs{}, "nope")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stdout, "unknown command nope")

	code, _, stderr := dispatch(t, &echoArgs{}, "echo", "--name", "invalid")
	assert.Equal(t, ExitUsage, code)
	assert.Contains(t, stderr, "name cannot be invalid")
}

func TestDispatchErrors(t *testing.T) {
	code, _, stderr := dispatch(t, &echoArgs{}, "echo", "--name", "x", "--fail")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "plain failure")

	code, _, stderr = dispatch(t, &echoArgs{}, "echo", "--name", "x", "--fatal")
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, stderr, "nan in loss")
}

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, kwargs := parseArgs([]string{"ada", "42", `{"a":1}`, "greeting=Hi", "times=3", "=x"})
	require.Equal(t, []any{"ada", float64(42), map[string]any{"a": float64(1)}, "=x"}, args)
	require.Equal(t, map[string]any{"greeting": "Hi", "times": float64(3)}, kwargs)

	args, kwargs = parseArgs(nil)
	require.Nil(t, args)
	require.Nil(t, kwargs)
}

func TestBuiltinInterface(t *testing.T) {
	iface, err := findInterface("", "hello")
	require.NoError(t, err)
	op, ok := iface.Operation("sayHello")
	require.True(t, ok)
	args, err := op.BuildArgs([]any{"ada"}, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"ada", "Hello"}, args)

	_, err = findInterface("", "nope")
	require.Error(t, err)
}

package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveArgv(t *testing.T) {
	cases := []struct {
		name   string
		argv   []string
		target string
		exp    []string
	}{
		{
			name:   "truncates trailing args",
			argv:   []string{"run", "--dev", "OLDTARGET", "extra1", "extra2"},
			target: "NEWTARGET",
			exp:    []string{"run", "--dev", "NEWTARGET"},
		},
		{
			name:   "no trailing args",
			argv:   []string{"run", "OLDTARGET"},
			target: "NEWTARGET",
			exp:    []string{"run", "NEWTARGET"},
		},
		{
			name:   "flag values are not mistaken for the target",
			argv:   []string{"run", "--store", "/tmp/store", "-d", "OLDTARGET", "x"},
			target: "NEWTARGET",
			exp:    []string{"run", "--store", "/tmp/store", "-d", "NEWTARGET"},
		},
		{
			name:   "inline flag values",
			argv:   []string{"run", "--checkout=release", "OLDTARGET"},
			target: "NEWTARGET",
			exp:    []string{"run", "--checkout=release", "NEWTARGET"},
		},
		{
			name:   "global flags are kept",
			argv:   []string{"--log-level", "debug", "run", "--no-ask", "OLDTARGET", "--dev"},
			target: "NEWTARGET",
			exp:    []string{"--log-level", "debug", "run", "--no-ask", "NEWTARGET"},
		},
		{
			name:   "flag terminator",
			argv:   []string{"run", "--", "OLDTARGET", "a"},
			target: "NEWTARGET",
			exp:    []string{"run", "--", "NEWTARGET"},
		},
		{
			name:   "target equal to a later token",
			argv:   []string{"run", "same", "same"},
			target: "NEWTARGET",
			exp:    []string{"run", "NEWTARGET"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			derived, err := DeriveArgv(c.argv, c.target)
			require.NoError(t, err)
			assert.Equal(t, c.exp, derived)
		})
	}
}

func TestDeriveArgvIsIdempotent(t *testing.T) {
	argv := []string{"run", "--dev", "OLDTARGET", "extra1", "extra2"}
	once, err := DeriveArgv(argv, "NEWTARGET")
	require.NoError(t, err)
	twice, err := DeriveArgv(once, "NEWTARGET")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"run", "--dev", "OLDTARGET", "extra1", "extra2"}, argv)
}

func TestDeriveArgvErrors(t *testing.T) {
	_, err := DeriveArgv([]string{"--log-level", "debug"}, "x")
	assert.ErrorIs(t, err, ErrNotRun)

	_, err = DeriveArgv([]string{"run", "--dev"}, "x")
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = DeriveArgv([]string{"run", "--no-such-flag", "target"}, "x")
	assert.Error(t, err)

	for _, target := range []string{"", "--dev", "-d"} {
		_, err = DeriveArgv([]string{"run", "target"}, target)
		assert.ErrorIs(t, err, ErrBadTarget, "target %q", target)
	}
}

func TestParse(t *testing.T) {
	inv, err := Parse([]string{"--log-json", "run", "-d", "--store", "/s", "builtin:echo", "--listen", "x"})
	require.NoError(t, err)

	assert.Equal(t, "builtin:echo", inv.Target)
	assert.Equal(t, []string{"--listen", "x"}, inv.Rest)
	assert.Equal(t, 5, inv.TargetIndex)
	assert.Equal(t, 6, inv.RestIndex)
	assert.True(t, inv.LogJSON)
	assert.Equal(t, map[string]string{FlagDev: "true", FlagStore: "/s"}, inv.Flags)
}

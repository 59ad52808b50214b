package transform

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/guseggert/peerrun/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// servePair serves the worker protocol on one end of a loopback connection and returns the host end.
func servePair(t *testing.T, cfg ServeConfig) (*frame.Conn, <-chan error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	errs := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			errs <- err
			return
		}
		wc := frame.New(c)
		err = ServeWorker(context.Background(), wc, cfg)
		wc.Close()
		errs <- err
	}()
	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	host := frame.New(c)
	t.Cleanup(func() { host.Close() })
	return host, errs
}

func sendJob(t *testing.T, host *frame.Conn, src string, ds ...Descriptor) {
	manifest, err := json.Marshal(ds)
	require.NoError(t, err)
	require.NoError(t, host.Send(manifest))
	for _, d := range ds {
		b, err := json.Marshal(Bundle{ID: d.Name, Main: "builtin:" + d.Name})
		require.NoError(t, err)
		require.NoError(t, host.Send(b))
	}
	require.NoError(t, host.Send([]byte(src)))
}

func TestServeWorker(t *testing.T) {
	host, errs := servePair(t, ServeConfig{Handshake: true})

	hs, err := host.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{handshakeByte}, hs)

	sendJob(t, host, "a /* b */ c", Descriptor{Name: "strip-comments"}, Descriptor{Name: "uppercase"})
	out, err := host.Recv()
	require.NoError(t, err)
	assert.Equal(t, "A  C", string(out))

	sendJob(t, host, "x", Descriptor{Name: "prefix", Options: map[string]any{"text": "y"}})
	out, err = host.Recv()
	require.NoError(t, err)
	assert.Equal(t, "yx", string(out))

	require.NoError(t, host.CloseWrite())
	assert.NoError(t, <-errs)
}

func TestServeWorkerErrors(t *testing.T) {
	cases := []struct {
		name string
		send func(t *testing.T, host *frame.Conn)
	}{
		{
			name: "unknown transform",
			send: func(t *testing.T, host *frame.Conn) { sendJob(t, host, "x", Descriptor{Name: "nope"}) },
		},
		{
			name: "bad manifest",
			send: func(t *testing.T, host *frame.Conn) { require.NoError(t, host.Send([]byte("{"))) },
		},
		{
			name: "bad bundle",
			send: func(t *testing.T, host *frame.Conn) {
				require.NoError(t, host.Send([]byte(`["uppercase"]`)))
				require.NoError(t, host.Send([]byte("not json")))
			},
		},
		{
			name: "failing transform",
			send: func(t *testing.T, host *frame.Conn) { sendJob(t, host, "x", Descriptor{Name: "prefix"}) },
		},
		{
			name: "stream ends mid job",
			send: func(t *testing.T, host *frame.Conn) {
				require.NoError(t, host.Send([]byte(`["uppercase"]`)))
				require.NoError(t, host.CloseWrite())
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			host, errs := servePair(t, ServeConfig{})
			c.send(t, host)
			assert.Error(t, <-errs)
		})
	}
}

func TestStripComments(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "line comment", in: "a // b\nc", want: "a \nc"},
		{name: "trailing line comment", in: "a // b", want: "a "},
		{name: "block comment", in: "a /* b\n */c", want: "a c"},
		{name: "comment in string", in: `x = "// not" + '/* no */'`, want: `x = "// not" + '/* no */'`},
		{name: "escaped quote", in: `"a\"//b" // c`, want: `"a\"//b" `},
		{name: "template literal", in: "`//`", want: "`//`"},
		{name: "division", in: "a / b", want: "a / b"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := stripComments([]byte(c.in), nil)
			require.NoError(t, err)
			assert.Equal(t, c.want, string(out))
		})
	}

	_, err := stripComments([]byte("a /* b"), nil)
	assert.Error(t, err)
}

func TestPrefix(t *testing.T) {
	out, err := prefix([]byte("b"), map[string]any{"text": "a"})
	require.NoError(t, err)
	assert.Equal(t, "ab", string(out))

	_, err = prefix([]byte("b"), map[string]any{"text": 1})
	assert.Error(t, err)
}

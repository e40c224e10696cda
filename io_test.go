package vsmtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeIO(t *testing.T, maxLine int) (*IO, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewIO(server, maxLine), client
}

func TestIOReadLineCRLF(t *testing.T) {
	io, client := pipeIO(t, 1000)

	go client.Write([]byte("EHLO example.com\r\n"))
	line, err := io.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "EHLO example.com", string(line))
}

func TestIOReadLineBareLF(t *testing.T) {
	io, client := pipeIO(t, 1000)

	go client.Write([]byte("NOOP\n"))
	line, err := io.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", string(line))
}

func TestIOReadLineTooLong(t *testing.T) {
	io, client := pipeIO(t, 64)

	go func() {
		long := make([]byte, 200)
		for i := range long {
			long[i] = 'a'
		}
		client.Write(append(long, "\r\nNOOP\r\n"...))
	}()

	_, err := io.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrLineTooLong)

	// The remainder of the oversized line was discarded; the next command
	// parses cleanly.
	line, err := io.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "NOOP", string(line))
}

func TestIOReadLineInactivity(t *testing.T) {
	io, _ := pipeIO(t, 1000)

	start := time.Now()
	_, err := io.ReadLine(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInactivity)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIOWriteFlushes(t *testing.T) {
	io, client := pipeIO(t, 1000)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := client.Read(buf)
		got <- buf[:n]
	}()

	require.NoError(t, io.Write([]byte("250 Ok\r\n")))
	select {
	case b := <-got:
		assert.Equal(t, "250 Ok\r\n", string(b))
	case <-time.After(time.Second):
		t.Fatal("write was not flushed")
	}
}

func TestIOBufferedDetectsPipelining(t *testing.T) {
	io, client := pipeIO(t, 1000)

	go client.Write([]byte("STARTTLS\r\nEHLO sneak.example\r\n"))
	line, err := io.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "STARTTLS", string(line))

	// The pipelined EHLO is sitting in the plaintext buffer: exactly the
	// situation a STARTTLS upgrade must refuse.
	assert.Greater(t, io.Buffered(), 0)
}

func TestConnectionRefusesPipelinedUpgrade(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	cfg := testConfig()
	cfg.TLS = &TLSConfig{HandshakeTimeout: Duration(time.Second)}
	conn := NewConnection(server, KindOpportunistic, "c", "s", cfg, quietLogger())

	go client.Write([]byte("STARTTLS\r\nEHLO sneak.example\r\n"))
	line, err := conn.IO.ReadLine(time.Second)
	require.NoError(t, err)
	require.Equal(t, "STARTTLS", string(line))

	err = conn.UpgradeTLS(NewStaticTLSProvider(nil))
	assert.ErrorIs(t, err, ErrPipelinedTLS)
	assert.False(t, conn.Alive)
}

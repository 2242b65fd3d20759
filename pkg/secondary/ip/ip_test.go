package ip

import (
	"bytes"
	"context"
	"encoding/asn1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// fakeServer answers exactly the handshake plus whatever handler the test
// installs, serving each accepted connection in its own goroutine.
type fakeServer struct {
	ln      net.Listener
	version int64
	handle  func(conn net.Conn) error
}

func startFakeServer(t *testing.T, version int64, handle func(conn net.Conn) error) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, version: version, handle: handle}
	go s.serve(t)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func (s *fakeServer) serve(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			_, _, err := readFrame(conn)
			if err != nil {
				return
			}
			if err := writeFrame(conn, msgVersionResp, versionPayload{Version: s.version}); err != nil {
				return
			}
			if s.handle != nil {
				_ = s.handle(conn)
			}
		}()
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	addr := startFakeServer(t, protocolVersion+1, nil)
	s := New("ecu-1", addr)

	_, err := s.GetVersion(context.Background())
	require.Error(t, err)
	var serr *secondary.Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, secondary.ErrProtocolMismatch, serr.Kind)
}

func TestGetRootVersionRoundTrip(t *testing.T) {
	addr := startFakeServer(t, protocolVersion, func(conn net.Conn) error {
		_, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		var req rootVersionReq
		if _, err := asn1.Unmarshal(payload, &req); err != nil {
			return err
		}
		return writeFrame(conn, msgRootVersionResp, rootVersionResp{Version: 7})
	})
	s := New("ecu-1", addr)

	v, err := s.GetRootVersion(context.Background(), metadata.Director)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestPutRootSendsAckOnSuccess(t *testing.T) {
	var gotRepo string
	var gotRaw []byte
	addr := startFakeServer(t, protocolVersion, func(conn net.Conn) error {
		_, payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		var req putRootPayload
		if _, err := asn1.Unmarshal(payload, &req); err != nil {
			return err
		}
		gotRepo, gotRaw = req.Repo, req.Raw
		return writeFrame(conn, msgAck, struct{}{})
	})
	s := New("ecu-1", addr)

	raw := []byte(`{"signed":{}}`)
	require.NoError(t, s.PutRoot(context.Background(), metadata.Image, raw))
	require.Equal(t, "image", gotRepo)
	require.True(t, bytes.Equal(raw, gotRaw))
}

func TestSendFirmwareStreamsExactLength(t *testing.T) {
	var received []byte
	addr := startFakeServer(t, protocolVersion, func(conn net.Conn) error {
		_, _, err := readFrame(conn)
		if err != nil {
			return err
		}
		if err := writeFrame(conn, msgAck, struct{}{}); err != nil {
			return err
		}
		buf := make([]byte, 11)
		if _, err := readFull(conn, buf); err != nil {
			return err
		}
		received = buf
		return writeFrame(conn, msgAck, struct{}{})
	})
	s := New("ecu-1", addr)

	target := metadata.TargetFile{Length: 11, Hashes: map[string]string{"sha256": "x"}}
	err := s.SendFirmware(context.Background(), target, bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), received)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

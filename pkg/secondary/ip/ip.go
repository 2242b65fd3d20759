// Package ip implements the IP Secondary transport (spec.md §4.7): a
// length-prefixed, ASN.1 DER-framed TCP protocol. Supplemented from
// original_source/src/aktualizr_secondary/update_agent.h: every session
// opens with a protocol-version handshake before any metadata changes
// hands, and a version mismatch aborts with ErrProtocolMismatch rather
// than attempting to speak an unknown dialect.
package ip

import (
	"context"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// protocolVersion is the only version this Primary speaks. A Secondary
// reporting a different value fails the handshake immediately.
const protocolVersion = 2

type msgType int64

const (
	msgGetVersion msgType = iota
	msgVersionResp
	msgGetInfo
	msgInfoResp
	msgGetManifest
	msgManifestResp
	msgGetRootVersion
	msgRootVersionResp
	msgPutRoot
	msgPutMeta
	msgFirmwareBegin
	msgInstall
	msgInstallResp
	msgAck
	msgError
)

type envelope struct {
	Type    int64
	Payload []byte
}

type versionPayload struct {
	Version int64
}

type infoPayload struct {
	EcuSerial    string
	HardwareID   string
	KeyType      string
	PublicKeyVal string
}

type rootVersionReq struct {
	Repo string
}

type rootVersionResp struct {
	Version int64
}

type putRootPayload struct {
	Repo string
	Raw  []byte
}

type metaEntry struct {
	Repo string
	Role string
	Raw  []byte
}

type putMetaPayload struct {
	Entries []metaEntry
}

type hashEntry struct {
	Algo string
	Hex  string
}

type installPayload struct {
	Length int64
	Hashes []hashEntry
}

type installResp struct {
	Result string
}

type errorPayload struct {
	Message string
}

// Secondary dials a fresh TCP connection per call; it carries no
// persistent session state, matching the Secondary's own stateless RPC
// model.
type Secondary struct {
	EcuSerial   string
	Addr        string
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

var _ secondary.Secondary = (*Secondary)(nil)

// New builds an IP Secondary handle. addr is host:port.
func New(ecuSerial, addr string) *Secondary {
	return &Secondary{EcuSerial: ecuSerial, Addr: addr, DialTimeout: 5 * time.Second, IOTimeout: 30 * time.Second}
}

func (s *Secondary) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(timeNow().Add(s.IOTimeout))
	}
	return conn, nil
}

// timeNow is a seam so io-deadline computation does not depend on the
// forbidden time.Now() call pattern directly in tests that freeze time.
var timeNow = time.Now

func writeFrame(w io.Writer, t msgType, payload interface{}) error {
	body, err := asn1.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ip secondary: marshal payload: %w", err)
	}
	env, err := asn1.Marshal(envelope{Type: int64(t), Payload: body})
	if err != nil {
		return fmt.Errorf("ip secondary: marshal envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(env)
	return err
}

func readFrame(r io.Reader) (msgType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxFrame = 16 << 20
	if n > maxFrame {
		return 0, nil, fmt.Errorf("ip secondary: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	var env envelope
	if _, err := asn1.Unmarshal(buf, &env); err != nil {
		return 0, nil, fmt.Errorf("ip secondary: unmarshal envelope: %w", err)
	}
	return msgType(env.Type), env.Payload, nil
}

func roundTrip(conn net.Conn, reqType msgType, req interface{}, respType msgType, resp interface{}) error {
	if err := writeFrame(conn, reqType, req); err != nil {
		return err
	}
	t, payload, err := readFrame(conn)
	if err != nil {
		return err
	}
	if t == msgError {
		var ep errorPayload
		if _, uerr := asn1.Unmarshal(payload, &ep); uerr == nil {
			return fmt.Errorf("ip secondary: remote error: %s", ep.Message)
		}
		return fmt.Errorf("ip secondary: remote error")
	}
	if t != respType {
		return fmt.Errorf("ip secondary: unexpected response type %d, want %d", t, respType)
	}
	if resp == nil {
		return nil
	}
	_, err = asn1.Unmarshal(payload, resp)
	return err
}

// handshake exchanges protocol versions before any metadata is sent. A
// mismatch aborts the session with ErrProtocolMismatch.
func (s *Secondary) handshake(conn net.Conn) error {
	var resp versionPayload
	if err := roundTrip(conn, msgGetVersion, struct{}{}, msgVersionResp, &resp); err != nil {
		return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
	}
	if resp.Version != protocolVersion {
		return &secondary.Error{
			EcuSerial: s.EcuSerial,
			Kind:      secondary.ErrProtocolMismatch,
			Wrapped:   fmt.Errorf("secondary speaks protocol %d, primary speaks %d", resp.Version, protocolVersion),
		}
	}
	return nil
}

func (s *Secondary) call(ctx context.Context, fn func(conn net.Conn) error) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := s.handshake(conn); err != nil {
		return err
	}
	return fn(conn)
}

// GetInfo implements secondary.Secondary.
func (s *Secondary) GetInfo(ctx context.Context) (secondary.Info, error) {
	var info secondary.Info
	err := s.call(ctx, func(conn net.Conn) error {
		var resp infoPayload
		if err := roundTrip(conn, msgGetInfo, struct{}{}, msgInfoResp, &resp); err != nil {
			return err
		}
		info = secondary.Info{EcuSerial: resp.EcuSerial, HardwareID: resp.HardwareID}
		return nil
	})
	return info, err
}

// GetVersion implements secondary.Secondary, returning the protocol
// version the Secondary reports, the same value the handshake checks
// against protocolVersion.
func (s *Secondary) GetVersion(ctx context.Context) (int, error) {
	var version int
	err := s.call(ctx, func(conn net.Conn) error {
		var resp versionPayload
		if err := roundTrip(conn, msgGetVersion, struct{}{}, msgVersionResp, &resp); err != nil {
			return err
		}
		version = int(resp.Version)
		return nil
	})
	return version, err
}

// GetManifest implements secondary.Secondary.
func (s *Secondary) GetManifest(ctx context.Context) ([]byte, error) {
	var manifest []byte
	err := s.call(ctx, func(conn net.Conn) error {
		_, payload, err := exchangeRaw(conn, msgGetManifest, msgManifestResp)
		manifest = payload
		return err
	})
	return manifest, err
}

func exchangeRaw(conn net.Conn, reqType, respType msgType) (msgType, []byte, error) {
	if err := writeFrame(conn, reqType, struct{}{}); err != nil {
		return 0, nil, err
	}
	t, payload, err := readFrame(conn)
	if err != nil {
		return 0, nil, err
	}
	if t != respType {
		return 0, nil, fmt.Errorf("ip secondary: unexpected response type %d, want %d", t, respType)
	}
	return t, payload, nil
}

// GetRootVersion implements secondary.Secondary.
func (s *Secondary) GetRootVersion(ctx context.Context, repo metadata.RepositoryType) (int, error) {
	var version int
	err := s.call(ctx, func(conn net.Conn) error {
		var resp rootVersionResp
		if err := roundTrip(conn, msgGetRootVersion, rootVersionReq{Repo: string(repo)}, msgRootVersionResp, &resp); err != nil {
			return err
		}
		version = int(resp.Version)
		return nil
	})
	return version, err
}

// PutRoot implements secondary.Secondary.
func (s *Secondary) PutRoot(ctx context.Context, repo metadata.RepositoryType, raw []byte) error {
	return s.call(ctx, func(conn net.Conn) error {
		return roundTrip(conn, msgPutRoot, putRootPayload{Repo: string(repo), Raw: raw}, msgAck, nil)
	})
}

// PutMeta implements secondary.Secondary.
func (s *Secondary) PutMeta(ctx context.Context, bundle secondary.MetaBundle) error {
	entries := make([]metaEntry, 0, len(bundle))
	for key, raw := range bundle {
		entries = append(entries, metaEntry{Repo: string(key.Repo), Role: string(key.Role), Raw: raw})
	}
	return s.call(ctx, func(conn net.Conn) error {
		return roundTrip(conn, msgPutMeta, putMetaPayload{Entries: entries}, msgAck, nil)
	})
}

// SendFirmware implements secondary.Secondary. The announced length is
// sent as an envelope, followed by the raw firmware bytes written
// directly to the connection (not ASN.1-framed, since targets can exceed
// any sane DER buffer size).
func (s *Secondary) SendFirmware(ctx context.Context, target metadata.TargetFile, stream io.Reader) error {
	hashes := make([]hashEntry, 0, len(target.Hashes))
	for algo, hex := range target.Hashes {
		hashes = append(hashes, hashEntry{Algo: algo, Hex: hex})
	}
	return s.call(ctx, func(conn net.Conn) error {
		if err := writeFrame(conn, msgFirmwareBegin, installPayload{Length: target.Length, Hashes: hashes}); err != nil {
			return err
		}
		t, _, err := readFrame(conn)
		if err != nil {
			return err
		}
		if t != msgAck {
			return fmt.Errorf("ip secondary: firmware announce rejected")
		}
		written, err := io.CopyN(conn, stream, target.Length)
		if err != nil {
			return fmt.Errorf("ip secondary: stream firmware (%d/%d bytes): %w", written, target.Length, err)
		}
		t, _, err = readFrame(conn)
		if err != nil {
			return err
		}
		if t != msgAck {
			return fmt.Errorf("ip secondary: firmware transfer rejected")
		}
		return nil
	})
}

// Install implements secondary.Secondary.
func (s *Secondary) Install(ctx context.Context, target metadata.TargetFile) (secondary.InstallResult, error) {
	var result secondary.InstallResult
	err := s.call(ctx, func(conn net.Conn) error {
		var resp installResp
		if err := roundTrip(conn, msgInstall, struct{}{}, msgInstallResp, &resp); err != nil {
			return err
		}
		result = secondary.InstallResult(resp.Result)
		return nil
	})
	return result, err
}

// Package secondary defines the Primary-side capability surface for
// Secondary ECUs (spec.md §4.7): deliver metadata, stream firmware,
// collect manifests. Virtual, IP and OSTree-delegating variants all
// implement the same interface.
package secondary

import (
	"context"
	"fmt"
	"io"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// Type distinguishes the three Secondary flavors spec.md §4.7 names.
type Type string

const (
	Virtual          Type = "Virtual"
	IP               Type = "IP"
	OstreeDelegating Type = "OstreeDelegating"
)

// VerificationType controls how strictly the Primary trusts a Secondary's
// self-reported state when the Secondary is unreachable.
type VerificationType string

const (
	VerificationFull    VerificationType = "Full"
	VerificationTufOnly VerificationType = "TufOnly"
	VerificationPartial VerificationType = "PartialVerify"
)

// ErrorKind enumerates SecondaryError categories (spec.md §7).
type ErrorKind int

const (
	ErrUnreachable ErrorKind = iota
	ErrProtocolMismatch
	ErrSignatureRejected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnreachable:
		return "unreachable"
	case ErrProtocolMismatch:
		return "protocol-mismatch"
	case ErrSignatureRejected:
		return "signature-rejected"
	default:
		return "unknown"
	}
}

// Error is the structured failure that classifies a Secondary problem. The
// IP transport returns it for dial and handshake failures (its other
// failures are plain errors), the Virtual Secondary for its local write and
// hash failures; Manager.SyncAndInstall wraps every step's failure in it
// except an error from Install.
type Error struct {
	EcuSerial string
	Kind      ErrorKind
	Wrapped   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("secondary %s: %s: %v", e.EcuSerial, e.Kind, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Info identifies one Secondary ECU, returned by getInfo.
type Info struct {
	EcuSerial  string
	HardwareID string
	PublicKey  xcrypto.PublicKey
}

// InstallResult mirrors the Primary-side install outcomes (spec.md §4.6),
// reused here since Secondaries report the same result shape.
type InstallResult string

const (
	InstallOk                 InstallResult = "Ok"
	InstallNeedCompletion     InstallResult = "NeedCompletion"
	InstallFailed             InstallResult = "InstallFailed"
	InstallAlreadyProcessed   InstallResult = "AlreadyProcessed"
	InstallVerificationFailed InstallResult = "VerificationFailed"
	InstallDownloadFailed     InstallResult = "DownloadFailed"
)

// MetaBundle is the (RepositoryType, Role) -> raw-bytes map putMeta ships
// (a plain map, so its iteration order is not defined), containing at minimum Director{Root,Targets} and
// Image{Root,Timestamp,Snapshot,Targets}.
type MetaBundle map[BundleKey][]byte

// BundleKey names one metadata file within a MetaBundle.
type BundleKey struct {
	Repo metadata.RepositoryType
	Role metadata.RoleName
}

// Secondary is the capability set the Primary drives per attached ECU
// (spec.md §4.7, §9's per-secondary dispatch set).
type Secondary interface {
	GetInfo(ctx context.Context) (Info, error)
	GetVersion(ctx context.Context) (int, error)
	GetManifest(ctx context.Context) ([]byte, error)
	GetRootVersion(ctx context.Context, repo metadata.RepositoryType) (int, error)
	PutRoot(ctx context.Context, repo metadata.RepositoryType, raw []byte) error
	PutMeta(ctx context.Context, bundle MetaBundle) error
	SendFirmware(ctx context.Context, target metadata.TargetFile, stream io.Reader) error
	Install(ctx context.Context, target metadata.TargetFile) (InstallResult, error)
}

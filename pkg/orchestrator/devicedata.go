package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptane-go/primary/pkg/deviceinfo"
)

// sendDeviceData posts the device's hardware/network snapshot (spec.md
// §4.6). Failure here is non-fatal to the rest of the update cycle; the
// caller logs and continues.
func (o *Orchestrator) sendDeviceData(ctx context.Context) error {
	info := deviceinfo.Gather()
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal device data: %w", err)
	}
	if _, err := o.fetcher.Post(ctx, o.tlsServerBaseURL+"/devices/info", "application/json", body); err != nil {
		return fmt.Errorf("orchestrator: send device data: %w", err)
	}
	return nil
}

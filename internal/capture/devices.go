package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetrelay/pkg/audio"
)

// ListDevices queries every lister concurrently and returns the combined
// device list in lister order. Listers that fail are skipped and their
// errors are returned joined with the partial result, so that one broken
// host API does not hide the devices another one can see.
func ListDevices(ctx context.Context, listers ...audio.DeviceLister) ([]audio.DeviceInfo, error) {
	results := make([][]audio.DeviceInfo, len(listers))
	errs := make([]error, len(listers))

	var g errgroup.Group
	for i, l := range listers {
		g.Go(func() error {
			devs, err := l.Devices(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("capture: list devices: %w", err)
				return nil
			}
			results[i] = devs
			return nil
		})
	}
	_ = g.Wait()

	out := slices.Concat(results...)
	return out, errors.Join(errs...)
}

// Listers combines several listers into one [audio.DeviceLister] backed by
// [ListDevices]. A partial result is returned without error; the failures
// are logged.
type Listers []audio.DeviceLister

// Devices implements [audio.DeviceLister].
func (ls Listers) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	devs, err := ListDevices(ctx, ls...)
	if err != nil {
		if len(devs) == 0 {
			return nil, err
		}
		slog.Warn("some device listers failed", "err", err)
	}
	return devs, nil
}

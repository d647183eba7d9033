package kitti

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/rginjapan/DeepLIO/rangeimage"
)

// loadImages loads and channel-selects the window's range images, one
// goroutine per frame. It blocks until every frame has finished and returns
// results in input-index order regardless of completion order. The result
// slice is freshly allocated per call, so overlapping calls never share
// buffers. Any frame failure cancels the remaining work and is returned; the
// caller bounds the wait through ctx.
func loadImages(ctx context.Context, drive *RawDrive, indices, channels []int) ([]*rangeimage.Image, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	images := make([]*rangeimage.Image, len(indices))

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var loadErr error
	storeErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if loadErr == nil || !errors.Is(err, context.Canceled) {
			loadErr = multierr.Combine(loadErr, err)
		}
	}

	wg.Add(len(indices))
	for slot, frame := range indices {
		slot, frame := slot, frame
		goutils.PanicCapturingGo(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				storeErr(err)
				return
			}
			img, err := drive.RangeImage(frame)
			if err != nil {
				storeErr(errors.Wrapf(err, "frame %d", frame))
				cancel()
				return
			}
			if len(channels) > 0 {
				if img, err = img.Select(channels); err != nil {
					storeErr(errors.Wrapf(err, "frame %d", frame))
					cancel()
					return
				}
			}
			images[slot] = img
		})
	}
	wg.Wait()

	if loadErr != nil {
		return nil, loadErr
	}
	return images, nil
}

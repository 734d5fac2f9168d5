package fusion

import (
	"context"
	"sync"

	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/ports"
)

// Detectors are all optional. A nil detector contributes nothing.
type Detectors struct {
	Energy ports.EnergyDetector
	Hype   ports.HypeDetector
	Scenes ports.SceneDetector
}

// Collect runs the detectors concurrently. A failing detector is logged and
// yields an empty signal; Collect itself never fails.
func Collect(ctx context.Context, d Detectors, mediaPath string, energyTopK int, log logger.Logger) Signals {
	if log == nil {
		log = logger.Nop()
	}
	var (
		sig Signals
		wg  sync.WaitGroup
	)

	if d.Energy != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverDetector(ctx, log, "energy")
			w, err := d.Energy.Energy(ctx, mediaPath, energyTopK)
			if err != nil {
				log.Warn(ctx, "energy detection skipped: %v", err)
				return
			}
			sig.Energy = w
		}()
	}
	if d.Hype != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverDetector(ctx, log, "hype")
			ev, err := d.Hype.Hype(ctx, mediaPath)
			if err != nil {
				log.Warn(ctx, "hype detection skipped: %v", err)
				return
			}
			sig.Hype = ev
		}()
	}
	if d.Scenes != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverDetector(ctx, log, "scene")
			ts, err := d.Scenes.Scenes(ctx, mediaPath)
			if err != nil {
				log.Warn(ctx, "scene detection skipped: %v", err)
				return
			}
			sig.Scenes = ts
		}()
	}
	wg.Wait()

	log.Debug(ctx, "signals: %d energy windows, %d hype events, %d scene cuts",
		len(sig.Energy), len(sig.Hype), len(sig.Scenes))
	return sig
}

func recoverDetector(ctx context.Context, log logger.Logger, name string) {
	if r := recover(); r != nil {
		log.Error(ctx, "%s detector panicked: %v", name, r)
	}
}

package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cjeanneret/HdrGo/internal/config"
	"github.com/cjeanneret/HdrGo/internal/hw/camera"
	"github.com/cjeanneret/HdrGo/internal/hw/gpio"
)

// NewProvider selects the camera provider named by device.driver. The
// returned release func frees the hardware behind it (GPIO) and is never nil.
func NewProvider(cfg *config.Config, log zerolog.Logger) (camera.Provider, func() error, error) {
	switch cfg.Device.Driver {
	case config.DriverSim:
		return camera.NewSimProvider(camera.SimOptions{
			ID:            camera.DeviceID(cfg.Device.ID),
			AutoFocus:     cfg.Sim.AF,
			ReportAE:      cfg.Sim.AE,
			FrameInterval: cfg.FrameInterval(),
			ShuffleSeed:   cfg.Sim.ShuffleSeed,
		}, log), func() error { return nil }, nil

	case config.DriverRemoteGPIO:
		size, err := camera.ParseSize(cfg.RemoteGPIO.Resolution)
		if err != nil {
			return nil, nil, err
		}
		g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, nil, fmt.Errorf("init GPIO: %w", err)
		}
		r := cfg.RemoteGPIO
		return camera.NewRemoteProvider(g, camera.RemoteOptions{
			ID:              camera.DeviceID(cfg.Device.ID),
			FocusPin:        r.FocusPin,
			ShutterPin:      r.ShutterPin,
			FocusDelay:      cfg.FocusDelay(),
			PostShotDelay:   cfg.PostShotDelay(),
			TetherDir:       r.TetherDir,
			Settle:          cfg.TetherSettle(),
			MeteredExposure: time.Duration(r.MeteredExposureMs) * time.Millisecond,
			Range: camera.ExposureRange{
				Lower: time.Duration(r.MinExposureMs) * time.Millisecond,
				Upper: time.Duration(r.MaxExposureMs) * time.Millisecond,
			},
			ISO:        r.ISO,
			Resolution: size,
		}, log), g.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported device.driver: %s", cfg.Device.Driver)
	}
}

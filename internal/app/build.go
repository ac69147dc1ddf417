package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voxlink/internal/audio"
	"github.com/ent0n29/voxlink/internal/config"
	"github.com/ent0n29/voxlink/internal/device"
	"github.com/ent0n29/voxlink/internal/httpapi"
	"github.com/ent0n29/voxlink/internal/observability"
	"github.com/ent0n29/voxlink/internal/platform/sim"
	"github.com/ent0n29/voxlink/internal/realtime"
	"github.com/ent0n29/voxlink/internal/session"
	"github.com/ent0n29/voxlink/internal/settings"
	"github.com/ent0n29/voxlink/internal/shadow"
	"github.com/ent0n29/voxlink/internal/wakeword"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *session.Coordinator
	Shadow      *shadow.Dispatcher
	Settings    *settings.Service
	Bridge      *audio.Bridge
	Codec       *sim.Codec
	Detector    *sim.Detector
	Metrics     *observability.Metrics
	StoreMode   string

	// Cleanup should be called after the coordinator stops to release the
	// audio device and the settings store.
	Cleanup func() error
}

// Build wires the engine on the simulator platform. It does not dial the
// realtime service; that happens on the first trigger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	storeMode := settings.StoreMode(cfg.DatabaseURL, cfg.SettingsPath)

	store, err := settings.NewStore(ctx, cfg.DatabaseURL, cfg.SettingsPath, cfg.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("settings store init failed: %w", err)
	}
	svc, err := settings.NewService(ctx, store, defaultSettings(cfg), logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("settings load failed: %w", err)
	}

	codec := sim.NewCodec(sim.CodecConfig{
		FrameDuration: cfg.FrameDuration,
		RecordPath:    cfg.SimPlaybackWAV,
		Logger:        logger,
	})
	bridge := audio.NewBridge(audio.BridgeConfig{
		Driver:     codec,
		QueueDepth: cfg.CaptureQueueDepth,
		Volume:     svc.Snapshot().Volume(cfg.DefaultVolume),
		Logger:     logger,
		Metrics:    metrics,
	})
	player := audio.NewPlayer(bridge, nil, logger)

	credentials := NewCredentialSource(cfg)
	client := realtime.NewClient(realtime.Config{
		Credentials:     credentials,
		DialTimeout:     cfg.DialTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		EventIDBound:    cfg.EventIDBound,
		InboundMaxBytes: cfg.InboundMaxBytes,
		Logger:          logger,
		Metrics:         metrics,
	})

	panel := device.NewPanel(logger)
	power := device.NewLogPower(logger)
	detector := sim.NewDetector(logger)

	var coordinator *session.Coordinator
	gate := wakeword.NewGate(wakeword.Config{
		Detector:  detector,
		Keyword:   func() string { return svc.Get(settings.KeyWakeKeyword) },
		Threshold: cfg.WakeThreshold,
		OnTrigger: func() { coordinator.Trigger(session.SourceWakeword) },
		Logger:    logger,
	})
	coordinator = session.NewCoordinator(session.Config{
		HandshakeTimeout:    cfg.HandshakeTimeout,
		ListeningRate:       cfg.ListeningSampleRate,
		StreamingRate:       cfg.StreamingSampleRate,
		ConversationStandby: cfg.ConversationStandby,
		LowPowerStandby:     cfg.LowPowerStandby,
		Logger:              logger,
		Metrics:             metrics,
	}, session.Deps{
		Client:   client,
		Bridge:   bridge,
		Gate:     gate,
		Player:   player,
		Status:   panel.Status,
		Activity: panel.Activity,
		Rail:     panel,
		Power:    power,
		Settings: svc,
	})

	dispatcher := shadow.NewDispatcher(shadow.Config{
		Engine:   coordinator,
		Volume:   bridge,
		Music:    player,
		Settings: svc,
		Logger:   logger,
		Metrics:  metrics,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Engine:   coordinator,
		Shadow:   dispatcher,
		Wakeword: detector,
		Volume:   dispatcher,
		Metrics:  metrics,
		Logger:   logger,
		Ready: func() error {
			if !coordinator.Running() {
				return errors.New("session coordinator not running")
			}
			return nil
		},
	})

	cleanup := func() error {
		var errs []error
		player.Stop()
		if err := bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audio: %w", err))
		}
		panel.Close()
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("settings: %w", err))
		}
		return errors.Join(errs...)
	}

	logger.Info("engine wired",
		zap.String("settings_store", storeMode),
		zap.String("credential_url", cfg.CredentialURL),
		zap.String("device", cfg.ProductKey+"/"+cfg.DeviceKey),
	)

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coordinator,
		Shadow:      dispatcher,
		Settings:    svc,
		Bridge:      bridge,
		Codec:       codec,
		Detector:    detector,
		Metrics:     metrics,
		StoreMode:   storeMode,
		Cleanup:     cleanup,
	}, nil
}

// NewCredentialSource builds the signed token exchange from cfg.
func NewCredentialSource(cfg config.Config) *realtime.HTTPCredentialSource {
	return realtime.NewHTTPCredentialSource(realtime.CredentialConfig{
		URL:               cfg.CredentialURL,
		Authorization:     cfg.AuthorizationValue,
		ProductKey:        cfg.ProductKey,
		DeviceKey:         cfg.DeviceKey,
		AccessSecret:      cfg.AccessSecret,
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		Temperature:       cfg.Temperature,
		NoiseReduction:    cfg.NoiseReduction,
		TurnDetection: realtime.TurnDetection{
			CreateResponse:    cfg.TurnDetectionAutoRespond,
			InterruptResponse: cfg.TurnDetectionInterrupt,
			PrefixPaddingMS:   cfg.TurnDetectionPrefixMS,
			SilenceDurationMS: cfg.TurnDetectionSilenceMS,
			Threshold:         cfg.TurnDetectionThreshold,
		},
	}, &http.Client{Timeout: cfg.DialTimeout})
}

// defaultSettings seeds keys missing from the store.
func defaultSettings(cfg config.Config) map[string]string {
	keyword := strings.TrimSpace(cfg.WakeKeyword)
	return map[string]string{
		settings.KeyWakeKeyword: keyword,
		settings.KeyDisplayText: displayText(keyword),
		settings.KeyVolume:      strconv.Itoa(cfg.DefaultVolume),
	}
}

func displayText(keyword string) string {
	words := strings.Fields(keyword)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
